// Package clock abstracts wall time and one-shot timers so that every
// deadline in the manager (verification, reconnect backoff, scan timeout,
// batch flush, reaper tick) can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Dispatching wraps a clock so that every timer callback is handed to
// dispatch instead of running on the timer goroutine. The manager uses it to
// serialize timer fires onto its event loop.
type Dispatching struct {
	Inner    Clock
	Dispatch func(func())
}

func (c Dispatching) Now() time.Time { return c.Inner.Now() }

func (c Dispatching) AfterFunc(d time.Duration, f func()) Timer {
	return c.Inner.AfterFunc(d, func() { c.Dispatch(f) })
}
