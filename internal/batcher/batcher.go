// Package batcher coalesces high-frequency discovery updates into throttled
// device list diffs.
package batcher

import (
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemgr/internal/clock"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
)

// DefaultInterval is the throttle window between two batches.
const DefaultInterval = 250 * time.Millisecond

// LookupFunc resolves an identifier to its current record.
type LookupFunc func(id string) (*device.Record, bool)

// Batcher accumulates updated and removed identifiers and emits them as one
// DeviceBatch per throttle window. It must be used from a single goroutine.
type Batcher struct {
	clock    clock.Clock
	interval time.Duration
	lookup   LookupFunc
	emitter  events.Emitter
	logger   *logrus.Logger

	updated *orderedmap.OrderedMap[string, struct{}]
	removed *orderedmap.OrderedMap[string, struct{}]
	timer   clock.Slot
}

// New creates a batcher. A non-positive interval selects DefaultInterval.
func New(c clock.Clock, interval time.Duration, lookup LookupFunc, emitter events.Emitter, logger *logrus.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Batcher{
		clock:    c,
		interval: interval,
		lookup:   lookup,
		emitter:  emitter,
		logger:   logger,
		updated:  orderedmap.New[string, struct{}](),
		removed:  orderedmap.New[string, struct{}](),
	}
}

// MarkUpdated queues id for the next batch.
func (b *Batcher) MarkUpdated(id string) {
	b.removed.Delete(id)
	b.updated.Set(id, struct{}{})
	b.arm()
}

// MarkRemoved queues id as removed. A pending update for id is dropped.
func (b *Batcher) MarkRemoved(id string) {
	b.updated.Delete(id)
	b.removed.Set(id, struct{}{})
	b.arm()
}

// Pending reports whether a flush is scheduled.
func (b *Batcher) Pending() bool {
	return b.timer.Armed()
}

func (b *Batcher) arm() {
	if b.timer.Armed() {
		return
	}
	b.timer.Arm(b.clock, b.interval, func() { b.Flush() })
}

// Flush emits the accumulated diff immediately and clears it. Identifiers
// whose record is gone or hidden are left out of the updated list; nothing is
// emitted when the diff is empty. It reports whether an event was emitted.
func (b *Batcher) Flush() bool {
	b.timer.Cancel()

	batch := events.DeviceBatch{
		Updated: make([]device.Snapshot, 0, b.updated.Len()),
		Removed: make([]string, 0, b.removed.Len()),
	}
	for pair := b.updated.Oldest(); pair != nil; pair = pair.Next() {
		rec, ok := b.lookup(pair.Key)
		if !ok || rec.IsHidden() {
			continue
		}
		batch.Updated = append(batch.Updated, rec.Snapshot())
	}
	for pair := b.removed.Oldest(); pair != nil; pair = pair.Next() {
		batch.Removed = append(batch.Removed, pair.Key)
	}

	b.updated = orderedmap.New[string, struct{}]()
	b.removed = orderedmap.New[string, struct{}]()

	if len(batch.Updated) == 0 && len(batch.Removed) == 0 {
		return false
	}

	b.logger.WithFields(logrus.Fields{
		"updated": len(batch.Updated),
		"removed": len(batch.Removed),
	}).Debug("Emitting device batch")
	b.emitter.Emit(batch)
	return true
}

// Stop cancels a pending flush and discards the accumulated diff.
func (b *Batcher) Stop() {
	b.timer.Cancel()
	b.updated = orderedmap.New[string, struct{}]()
	b.removed = orderedmap.New[string, struct{}]()
}
