//go:build test

package testutils

import (
	"sync"

	"github.com/srg/blemgr/internal/events"
)

// RecordingEmitter keeps every emitted event in order.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *RecordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns a copy of the recorded events.
func (r *RecordingEmitter) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Reset drops everything recorded so far.
func (r *RecordingEmitter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Connection returns the connection events for id.
func (r *RecordingEmitter) Connection(id string) []events.ConnectionState {
	var out []events.ConnectionState
	for _, e := range r.All() {
		if cs, ok := e.(events.ConnectionState); ok && cs.DeviceID == id {
			out = append(out, cs)
		}
	}
	return out
}

// LastConnection returns the latest connection event for id.
func (r *RecordingEmitter) LastConnection(id string) (events.ConnectionState, bool) {
	all := r.Connection(id)
	if len(all) == 0 {
		return events.ConnectionState{}, false
	}
	return all[len(all)-1], true
}

// Batches returns the device batches.
func (r *RecordingEmitter) Batches() []events.DeviceBatch {
	var out []events.DeviceBatch
	for _, e := range r.All() {
		if b, ok := e.(events.DeviceBatch); ok {
			out = append(out, b)
		}
	}
	return out
}

// Scans returns the scan state events.
func (r *RecordingEmitter) Scans() []events.ScanState {
	var out []events.ScanState
	for _, e := range r.All() {
		if s, ok := e.(events.ScanState); ok {
			out = append(out, s)
		}
	}
	return out
}

// Adapters returns the adapter state events.
func (r *RecordingEmitter) Adapters() []events.AdapterState {
	var out []events.AdapterState
	for _, e := range r.All() {
		if a, ok := e.(events.AdapterState); ok {
			out = append(out, a)
		}
	}
	return out
}
