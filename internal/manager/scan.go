package manager

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/reaper"
)

// StartScan begins discovery. A zero timeout scans until StopScan. When the
// adapter is still settling the scan is deferred until it powers on.
func (c *Core) StartScan(timeout time.Duration) error {
	if !c.adapterState.Ready() {
		if c.adapterState.Transient() {
			c.scanDeferred = true
			c.deferredScanTimeout = timeout
			c.emitter.Emit(events.ScanState{IsScanning: false, Reason: events.ScanWaitingForPoweredOn})
			return nil
		}
		return c.adapterState.Err()
	}
	if c.scanning {
		c.emitter.Emit(events.ScanState{IsScanning: true, Reason: events.ScanAlreadyScanning})
		return nil
	}

	if err := c.radio.StartScanning(); err != nil {
		return err
	}
	c.scanning = true
	c.scanDeferred = false
	c.emitter.Emit(events.ScanState{IsScanning: true, Reason: events.ScanStarted})
	c.reaper.Start(c.reap)
	if timeout > 0 {
		c.scanTimer.Arm(c.clock, timeout, func() { c.stopScan(events.ScanTimeout) })
	}

	c.logger.WithField("timeout", timeout).Info("Scan started")
	return nil
}

// StopScan ends discovery and flushes pending device changes.
func (c *Core) StopScan() {
	c.scanDeferred = false
	if !c.scanning {
		return
	}
	c.stopScan(events.ScanStopped)
}

func (c *Core) stopScan(reason events.ScanReason) {
	c.scanTimer.Cancel()
	c.scanning = false
	c.reaper.Stop()
	if c.adapterState.Ready() {
		if err := c.radio.StopScanning(); err != nil {
			c.logger.WithError(err).Debug("Stop scanning failed")
		}
	}
	c.batcher.Flush()
	c.emitter.Emit(events.ScanState{IsScanning: false, Reason: reason})
	c.logger.WithField("reason", reason).Info("Scan stopped")
}

// reap evicts records that have not been seen within the stale threshold.
func (c *Core) reap(now time.Time) {
	stale := reaper.Stale(c.registry.All(), now, c.reaper.Threshold())
	for _, id := range stale {
		rec, ok := c.registry.Remove(id)
		if !ok {
			continue
		}
		rec.CancelTimers()
		delete(c.lastEvents, id)
		delete(c.queuedConnects, id)
		if !rec.IsHidden() {
			c.batcher.MarkRemoved(id)
		}
	}
	if len(stale) > 0 {
		c.logger.WithFields(logrus.Fields{
			"removed":   len(stale),
			"remaining": c.registry.Len(),
		}).Debug("Reaped stale devices")
	}
}
