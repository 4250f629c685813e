// Package reaper evicts registry entries for peripherals that stopped
// advertising.
package reaper

import (
	"time"

	"github.com/srg/blemgr/internal/clock"
	"github.com/srg/blemgr/internal/device"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultThreshold = 15 * time.Second
)

// Reaper runs a repeating tick while started. The tick callback decides what
// to evict, normally with Stale.
type Reaper struct {
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration

	onTick func(now time.Time)
	timer  clock.Slot
}

// New creates a stopped reaper. Non-positive durations select the defaults.
func New(c clock.Clock, interval, threshold time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Reaper{clock: c, interval: interval, threshold: threshold}
}

// Threshold is the age after which an unprotected record is stale.
func (r *Reaper) Threshold() time.Duration {
	return r.threshold
}

// Start begins ticking. Starting a running reaper is a no-op.
func (r *Reaper) Start(onTick func(now time.Time)) {
	if r.timer.Armed() {
		return
	}
	r.onTick = onTick
	r.schedule()
}

func (r *Reaper) schedule() {
	r.timer.Arm(r.clock, r.interval, func() {
		// Re-arm first so the callback may Stop us.
		r.schedule()
		r.onTick(r.clock.Now())
	})
}

// Stop cancels the next tick.
func (r *Reaper) Stop() {
	r.timer.Cancel()
}

// Running reports whether a tick is scheduled.
func (r *Reaper) Running() bool {
	return r.timer.Armed()
}

// Protected reports whether rec must survive eviction regardless of age:
// connected at the OS level, in an active lifecycle state, or waiting on an
// automatic reconnect.
func Protected(rec *device.Record) bool {
	return rec.IsConnected || rec.State.Active() || rec.HasPendingReconnect()
}

// Stale returns the identifiers of unprotected records last seen more than
// threshold before now.
func Stale(records []*device.Record, now time.Time, threshold time.Duration) []string {
	var out []string
	for _, rec := range records {
		if Protected(rec) {
			continue
		}
		if now.Sub(rec.LastSeen) > threshold {
			out = append(out, rec.ID)
		}
	}
	return out
}
