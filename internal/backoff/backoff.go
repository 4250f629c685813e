// Package backoff computes reconnect delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a capped exponential backoff with symmetric jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the relative spread applied to each delay, e.g. 0.1 for ±10%.
	Jitter float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

// Nominal returns the un-jittered delay for attempt (1-based):
// min(Max, Base * 2^(attempt-1)). It never decreases as attempt grows.
func (p Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}
	factor := math.Pow(2, float64(attempt-1))
	d := float64(p.Base) * factor
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return clamp(d)
}

// clamp converts d to a Duration, saturating instead of overflowing.
func clamp(d float64) time.Duration {
	if math.IsInf(d, 1) || d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt. rnd must return values in
// [0, 1); nil uses math/rand/v2. The result is clamped to [0, Max].
func (p Policy) Delay(attempt int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	nominal := float64(p.Nominal(attempt))
	spread := (rnd()*2 - 1) * p.Jitter
	d := clamp(nominal * (1 + spread))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Exhausted reports whether attempt exceeds the allowed number of attempts.
// A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
