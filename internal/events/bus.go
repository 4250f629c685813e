package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Bus is a bounded event queue with overwrite-oldest semantics.
//
// Publishing never blocks the manager's event loop: when the consumer falls
// behind, the oldest buffered event is discarded and counted. Consumers read
// from C() like a normal channel until Close.
type Bus struct {
	ch     chan Event
	mu     sync.Mutex // serializes senders against Close
	closed bool
	logger *logrus.Logger

	written     atomic.Int64
	overwritten atomic.Int64
}

// NewBus creates a Bus holding up to capacity events.
func NewBus(capacity int, logger *logrus.Logger) *Bus {
	if capacity <= 0 {
		panic("events: capacity must be > 0")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{ch: make(chan Event, capacity), logger: logger}
}

// Emit implements Emitter. It never blocks; after Close it is a no-op.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- e:
	default:
		select {
		case old := <-b.ch: // drop oldest
			b.overwritten.Add(1)
			b.logger.WithField("kind", old.Kind()).Warn("Event consumer is behind, dropped oldest event")
		default:
		}
		b.ch <- e
	}
	b.written.Add(1)
}

// C returns the receive side of the bus.
func (b *Bus) C() <-chan Event {
	return b.ch
}

// Close closes the channel. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Metrics returns how many events were published and how many were dropped.
func (b *Bus) Metrics() (written, overwritten int64) {
	return b.written.Load(), b.overwritten.Load()
}
