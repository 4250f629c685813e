package manager

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/registry"
)

// Connect requests a user-initiated connection to id. Errors are returned
// before any state changes; a request for a device that is already
// connecting or connected is a no-op.
func (c *Core) Connect(id string) error {
	if !c.adapterState.Ready() {
		return fmt.Errorf("%w: adapter is %s", device.ErrBluetoothUnavailable, c.adapterState)
	}
	canonical, err := device.ParseID(id)
	if err != nil {
		return err
	}
	rec, ok := c.registry.Get(canonical)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, canonical)
	}
	if rec.IsHidden() {
		return fmt.Errorf("%w: %s", device.ErrUnnamedDeviceHidden, canonical)
	}

	rec.UserInitiatedDisconnect = false
	c.clearUserDisconnected(canonical)
	rec.ResetReconnect()

	switch rec.State {
	case device.StateConnecting, device.StateConnectedUnverified, device.StateConnectedVerified:
		c.logger.WithFields(logrus.Fields{
			"device": canonical,
			"state":  rec.State,
		}).Debug("Connect ignored: connection already in progress")
		return nil
	case device.StateDisconnecting:
		c.queuedConnects[canonical] = struct{}{}
		c.logger.WithField("device", canonical).Debug("Connect queued behind pending disconnect")
		return nil
	}

	c.beginConnect(rec, events.ReasonUserRequested)
	return nil
}

// Disconnect requests a user-initiated disconnect. The device is excluded
// from automatic reconnection until the user connects it again.
func (c *Core) Disconnect(id string) error {
	canonical, err := device.ParseID(id)
	if err != nil {
		return err
	}
	rec, ok := c.registry.Get(canonical)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, canonical)
	}

	delete(c.queuedConnects, canonical)
	rec.UserInitiatedDisconnect = true
	c.addUserDisconnected(canonical)
	rec.ResetReconnect()
	rec.VerifyTimer.Cancel()

	if !rec.IsConnected {
		if rec.State == device.StateConnecting && c.adapterState.Ready() {
			c.abandonLink(rec)
		}
		c.transition(rec, device.StateDisconnected, events.ReasonUserDisconnected, nil)
		rec.UserInitiatedDisconnect = false
		return nil
	}

	if rec.State == device.StateDisconnecting {
		return nil
	}
	c.transition(rec, device.StateDisconnecting, events.ReasonUserDisconnected, nil)
	if err := c.radio.CancelConnection(rec.Handle); err != nil {
		c.logger.WithError(err).WithField("device", canonical).Warn("Cancel connection failed, completing disconnect locally")
		rec.IsConnected = false
		c.transition(rec, device.StateDisconnected, events.ReasonUserDisconnected, nil)
		rec.UserInitiatedDisconnect = false
	}
	return nil
}

// beginConnect starts a connection attempt. A record the OS already reports
// as connected skips straight to verification.
func (c *Core) beginConnect(rec *device.Record, reason events.Reason) {
	rec.CancelTimers()

	if rec.IsConnected {
		r := events.ReasonAlreadyConnected
		if reason != events.ReasonUserRequested {
			r = reason
		}
		c.enterUnverified(rec, r)
		return
	}

	ev := events.ConnectionState{State: device.StateConnecting, Reason: reason}
	if reason == events.ReasonAutoReconnect {
		ev.Attempt = rec.ReconnectAttempt
		ev.MaxAttempts = c.settings.Backoff.MaxAttempts
	}
	c.transitionWith(rec, ev)

	if err := c.radio.Connect(rec.Handle); err != nil {
		c.logger.WithError(err).WithField("device", rec.ID).Warn("Connect request rejected")
		c.connectFailed(rec, err)
	}
}

// enterUnverified marks the link up and starts the verification step.
func (c *Core) enterUnverified(rec *device.Record, reason events.Reason) {
	rec.IsConnected = true
	rec.TeardownPending = false
	c.transition(rec, device.StateConnectedUnverified, reason, nil)

	rec.VerifyTimer.Arm(c.clock, c.settings.VerifyTimeout, func() {
		c.verificationFailed(rec, events.ReasonVerificationTimeout, device.ErrTimeout)
	})
	if err := c.radio.DiscoverServices(rec.Handle); err != nil {
		c.verificationFailed(rec, events.ReasonVerificationFailed, err)
	}
}

func (c *Core) connectFailed(rec *device.Record, err error) {
	rec.IsConnected = false
	c.transition(rec, device.StateFailed, events.ReasonConnectFailed, err)
	c.scheduleRetry(rec, err)
}

func (c *Core) verificationFailed(rec *device.Record, reason events.Reason, err error) {
	if rec.State != device.StateConnectedUnverified {
		return
	}
	rec.VerifyTimer.Cancel()
	c.logger.WithFields(logrus.Fields{
		"device": rec.ID,
		"reason": reason,
	}).WithError(err).Warn("Connection verification failed")

	c.transition(rec, device.StateFailed, reason, err)
	c.abandonLink(rec)
	rec.IsConnected = false
	c.scheduleRetry(rec, err)
}

// abandonLink cancels a link or dial no attempt owns any more. The radio's
// terminal callback for it is dropped when it arrives.
func (c *Core) abandonLink(rec *device.Record) {
	rec.TeardownPending = true
	c.cancelConnection(rec)
}

func (c *Core) cancelConnection(rec *device.Record) {
	if err := c.radio.CancelConnection(rec.Handle); err != nil {
		c.logger.WithError(err).WithField("device", rec.ID).Debug("Cancel connection failed")
	}
}

// transition moves rec to state and publishes the change.
func (c *Core) transition(rec *device.Record, state device.ConnState, reason events.Reason, err error) {
	ev := events.ConnectionState{State: state, Reason: reason}
	if err != nil {
		ev.Error = err.Error()
	}
	c.transitionWith(rec, ev)
}

func (c *Core) transitionWith(rec *device.Record, ev events.ConnectionState) {
	prev := rec.State
	rec.State = ev.State
	ev.DeviceID = rec.ID
	c.publish(ev)

	c.logger.WithFields(logrus.Fields{
		"device": rec.ID,
		"from":   prev,
		"to":     ev.State,
		"reason": ev.Reason,
	}).Debug("Connection state changed")
}

// publish emits a connection event without touching the record state.
func (c *Core) publish(ev events.ConnectionState) {
	ev.TimestampMs = c.nowMs()
	c.lastEvents[ev.DeviceID] = ev
	c.emitter.Emit(ev)
}

// OnDiscovered merges an advertisement or scan result into the registry.
func (c *Core) OnDiscovered(d radio.Discovery) {
	id, ok := c.radioID(d.ID, "discovered")
	if !ok {
		return
	}
	d.ID = id
	if d.Now.IsZero() {
		d.Now = c.clock.Now()
	}
	rec, _ := c.registry.UpsertFromDiscovery(registry.Discovery(d))
	if !rec.IsHidden() {
		c.batcher.MarkUpdated(rec.ID)
	}
}

// OnConnected handles the radio reporting an established link.
func (c *Core) OnConnected(id string) {
	rec, ok := c.radioRecord(id, "connected")
	if !ok {
		return
	}
	id = rec.ID
	switch rec.State {
	case device.StateConnecting:
		c.enterUnverified(rec, events.ReasonConnected)
	case device.StateConnectedUnverified, device.StateConnectedVerified, device.StateDisconnecting:
		c.logger.WithFields(logrus.Fields{
			"device": id,
			"state":  rec.State,
		}).Debug("Ignoring duplicate connected callback")
	default:
		// Nobody asked for this link.
		c.logger.WithField("device", id).Debug("Cancelling unsolicited connection")
		c.abandonLink(rec)
	}
}

// OnConnectFailed handles a failed connection attempt.
func (c *Core) OnConnectFailed(id string, err error) {
	rec, ok := c.radioRecord(id, "connectFailed")
	if !ok {
		return
	}
	if rec.TeardownPending {
		rec.TeardownPending = false
		c.logger.WithField("device", rec.ID).Debug("Dropping connect failure of an abandoned dial")
		return
	}
	if rec.State != device.StateConnecting {
		return
	}
	c.connectFailed(rec, err)
}

// OnServicesDiscovered completes or fails verification.
func (c *Core) OnServicesDiscovered(id string, services []string, err error) {
	rec, ok := c.radioRecord(id, "servicesDiscovered")
	if !ok || rec.State != device.StateConnectedUnverified {
		return
	}
	if err == nil && len(services) == 0 {
		err = fmt.Errorf("no services discovered")
	}
	if err != nil {
		c.verificationFailed(rec, events.ReasonVerificationFailed, err)
		return
	}

	rec.VerifyTimer.Cancel()
	rec.ResetReconnect()
	c.transition(rec, device.StateConnectedVerified, events.ReasonVerified, nil)
	c.rememberKnown(rec.ID, rec.DisplayName)
	c.clearUserDisconnected(rec.ID)

	c.logger.WithFields(logrus.Fields{
		"device":   rec.ID,
		"services": len(services),
	}).Info("Connection verified")

	if err := c.radio.DiscoverCharacteristics(rec.Handle); err != nil {
		c.logger.WithError(err).WithField("device", rec.ID).Debug("Characteristic discovery request failed")
	}
	if err := c.radio.ReadRSSI(rec.Handle); err != nil {
		c.logger.WithError(err).WithField("device", rec.ID).Debug("RSSI read request failed")
	}
}

// OnCharacteristicsDiscovered is informational only.
func (c *Core) OnCharacteristicsDiscovered(id string, count int, err error) {
	entry := c.logger.WithFields(logrus.Fields{"device": id, "characteristics": count})
	if err != nil {
		entry.WithError(err).Debug("Characteristic discovery failed")
		return
	}
	entry.Debug("Characteristics discovered")
}

// OnRSSIRead stores a signal reading from a connected peripheral.
func (c *Core) OnRSSIRead(id string, rssi *int, err error) {
	if err != nil {
		c.logger.WithError(err).WithField("device", id).Debug("RSSI read failed")
		return
	}
	rec, ok := c.radioRecord(id, "rssiRead")
	if !ok {
		return
	}
	rec.SetRSSI(rssi)
	rec.Touch(c.clock.Now())
	if !rec.IsHidden() {
		c.batcher.MarkUpdated(rec.ID)
	}
}

// OnNameResolved records a name the peripheral reported after connecting.
func (c *Core) OnNameResolved(id string, name string) {
	rec, ok := c.radioRecord(id, "nameResolved")
	if !ok {
		return
	}
	id = rec.ID
	if !rec.SetPeripheralName(name, true) {
		return
	}
	if !rec.IsHidden() {
		c.batcher.MarkUpdated(id)
	}
	if rec.State == device.StateConnectedVerified {
		c.rememberKnown(id, rec.DisplayName)
	}
}

// OnDisconnected handles loss of the link, whether requested or not.
func (c *Core) OnDisconnected(id string, err error) {
	rec, ok := c.radioRecord(id, "disconnected")
	if !ok {
		return
	}
	id = rec.ID
	if rec.TeardownPending {
		rec.TeardownPending = false
		c.logger.WithFields(logrus.Fields{
			"device": id,
			"state":  rec.State,
		}).Debug("Dropping disconnect of an abandoned link")
		return
	}
	rec.IsConnected = false
	rec.VerifyTimer.Cancel()

	if _, queued := c.queuedConnects[id]; queued {
		delete(c.queuedConnects, id)
		rec.UserInitiatedDisconnect = false
		c.transition(rec, device.StateDisconnected, events.ReasonUserDisconnected, nil)
		c.beginConnect(rec, events.ReasonUserRequested)
		return
	}

	if rec.UserInitiatedDisconnect {
		c.transition(rec, device.StateDisconnected, events.ReasonUserDisconnected, nil)
		rec.UserInitiatedDisconnect = false
		rec.ResetReconnect()
		return
	}

	switch rec.State {
	case device.StateIdle, device.StateDisconnected, device.StateFailed:
		return
	}

	c.transition(rec, device.StateDisconnected, events.ReasonPeripheralDisconnected, err)
	c.scheduleRetry(rec, err)
}
