package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
)

func (c *Core) reconnectEligible(rec *device.Record) bool {
	if !c.settings.AutoReconnect || rec.IsHidden() {
		return false
	}
	return !rec.UserInitiatedDisconnect && !c.isUserDisconnected(rec.ID)
}

// scheduleRetry arms the next automatic reconnect for rec after a failure or
// an unexpected disconnect. At most one reconnect timer exists per device.
func (c *Core) scheduleRetry(rec *device.Record, cause error) {
	if !c.reconnectEligible(rec) || rec.ReconnectTimer.Armed() {
		return
	}

	if !c.adapterState.Ready() {
		rec.PendingReconnectAfterAdapterOn = true
		c.transition(rec, device.StateDisconnected, events.ReasonAdapterUnavailable, cause)
		return
	}

	rec.ReconnectAttempt++
	policy := c.settings.Backoff
	if policy.Exhausted(rec.ReconnectAttempt) {
		c.logger.WithFields(logrus.Fields{
			"device":   rec.ID,
			"attempts": rec.ReconnectAttempt - 1,
		}).Warn("Giving up automatic reconnect")
		rec.ReconnectAttempt = 0
		c.transition(rec, device.StateFailed, events.ReasonMaxRetriesExceeded, cause)
		return
	}

	delay := policy.Delay(rec.ReconnectAttempt, c.rnd)
	rec.ReconnectTimer.Arm(c.clock, delay, func() { c.fireReconnect(rec) })

	c.logger.WithFields(logrus.Fields{
		"device":  rec.ID,
		"attempt": rec.ReconnectAttempt,
		"delay":   delay,
	}).Info("Scheduled automatic reconnect")

	// Announced now, the record stays disconnected or failed until the
	// timer fires.
	c.publish(events.ConnectionState{
		DeviceID:    rec.ID,
		State:       device.StateConnecting,
		Reason:      events.ReasonAutoReconnect,
		Attempt:     rec.ReconnectAttempt,
		MaxAttempts: policy.MaxAttempts,
		NextDelayMs: delay.Milliseconds(),
	})
}

func (c *Core) fireReconnect(rec *device.Record) {
	if current, ok := c.registry.Get(rec.ID); !ok || current != rec {
		return
	}
	if !c.reconnectEligible(rec) {
		rec.ResetReconnect()
		return
	}
	if !c.adapterState.Ready() {
		rec.PendingReconnectAfterAdapterOn = true
		rec.ReconnectAttempt--
		return
	}
	if rec.State.Active() {
		return
	}
	c.beginConnect(rec, events.ReasonAutoReconnect)
}

// resumePendingReconnects reschedules every reconnect deferred while the
// adapter was unavailable.
func (c *Core) resumePendingReconnects() {
	for _, rec := range c.registry.All() {
		if !rec.PendingReconnectAfterAdapterOn {
			continue
		}
		rec.PendingReconnectAfterAdapterOn = false
		if !c.reconnectEligible(rec) || rec.State.Active() {
			continue
		}
		c.scheduleRetry(rec, nil)
	}
}
