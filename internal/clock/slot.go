package clock

import "time"

// Slot holds at most one live timer. Arming a slot cancels whatever it held
// before, and every arm or cancel bumps a generation so a callback that was
// already queued for an older timer is discarded when it finally runs.
//
// A Slot is not safe for concurrent use; it belongs to the goroutine that
// owns the state the callback mutates.
type Slot struct {
	timer Timer
	gen   uint64
	armed bool
}

// Arm schedules f after d, replacing any previously armed timer.
func (s *Slot) Arm(c Clock, d time.Duration, f func()) {
	s.Cancel()
	s.gen++
	gen := s.gen
	s.armed = true
	s.timer = c.AfterFunc(d, func() {
		if !s.armed || s.gen != gen {
			return
		}
		s.armed = false
		s.timer = nil
		f()
	})
}

// Cancel stops the armed timer, if any, and reports whether one was armed.
func (s *Slot) Cancel() bool {
	if !s.armed {
		return false
	}
	s.armed = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

// Armed reports whether a timer is pending.
func (s *Slot) Armed() bool {
	return s.armed
}
