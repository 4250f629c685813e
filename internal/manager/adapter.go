package manager

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/registry"
)

// OnAdapterStateChanged applies an adapter power or availability change.
func (c *Core) OnAdapterStateChanged(state adapter.State) {
	prev := c.adapterState
	if state == prev {
		return
	}
	c.adapterState = state
	c.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   state,
	}).Info("Adapter state changed")
	c.emitter.Emit(events.AdapterState{State: state})

	if state.Ready() {
		c.adapterReady()
		return
	}
	if prev.Ready() {
		c.adapterLost()
	}
}

func (c *Core) adapterLost() {
	if c.scanning {
		c.stopScan(events.ScanBluetoothUnavailable)
	}

	for _, rec := range c.registry.All() {
		delete(c.queuedConnects, rec.ID)
		// The radio drops every link; nothing it reports later belongs to
		// an attempt made after power returns.
		rec.TeardownPending = false
		eligible := c.reconnectEligible(rec)

		if rec.State.Active() {
			rec.CancelTimers()
			rec.IsConnected = false
			if eligible {
				rec.PendingReconnectAfterAdapterOn = true
			}
			rec.UserInitiatedDisconnect = false
			c.transition(rec, device.StateDisconnected, events.ReasonAdapterUnavailable, device.ErrBluetoothUnavailable)
			continue
		}

		if rec.ReconnectTimer.Cancel() {
			// The announced attempt never ran; it is rescheduled on power-on.
			rec.ReconnectAttempt--
			if eligible {
				rec.PendingReconnectAfterAdapterOn = true
			}
			c.transition(rec, device.StateDisconnected, events.ReasonAdapterUnavailable, device.ErrBluetoothUnavailable)
		}
	}
}

func (c *Core) adapterReady() {
	c.autoConnectKnownDevices()
	c.resumePendingReconnects()

	if c.scanDeferred {
		c.scanDeferred = false
		if err := c.StartScan(c.deferredScanTimeout); err != nil {
			c.logger.WithError(err).Warn("Deferred scan could not start")
		}
	}
}

// autoConnectKnownDevices connects every persisted device once per session,
// the first time the adapter becomes ready.
func (c *Core) autoConnectKnownDevices() {
	if c.autoConnectDone {
		return
	}
	c.autoConnectDone = true
	if !c.settings.AutoConnectKnown || len(c.known) == 0 {
		return
	}

	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	peripherals := c.radio.RetrieveKnownPeripherals(ids)
	c.logger.WithFields(logrus.Fields{
		"known":     len(ids),
		"retrieved": len(peripherals),
	}).Debug("Retrieved known peripherals")

	now := c.clock.Now()
	for _, p := range peripherals {
		if p.Handle == nil {
			continue
		}
		id, ok := c.radioID(p.Handle.ID(), "retrieveKnownPeripherals")
		if !ok {
			continue
		}
		name := p.Name
		if name == "" {
			name = c.known[id]
		}
		rec, _ := c.registry.UpsertFromDiscovery(registry.Discovery{
			ID:             id,
			Handle:         p.Handle,
			PeripheralName: name,
			OSConnected:    p.Connected,
			Now:            now,
		})
		if !rec.IsHidden() {
			c.batcher.MarkUpdated(id)
		}

		if c.isUserDisconnected(id) || rec.State.Active() || rec.IsHidden() {
			continue
		}
		c.beginConnect(rec, events.ReasonAutoConnectOnLaunch)
	}
}

