package device

import (
	"strings"
	"time"

	"github.com/srg/blemgr/internal/clock"
)

// Handle is the radio stack's reference to a peripheral. The record holds it
// for issuing requests but does not own its lifetime.
type Handle interface {
	ID() string
}

// Record is the manager's view of one peripheral identifier. It is created
// on first discovery (or known-device retrieval), mutated by every callback
// and only destroyed by the stale-entry reaper.
type Record struct {
	ID     string
	Handle Handle

	AdvertisementName string
	PeripheralName    string
	DisplayName       string
	NameSource        NameSource
	nameAfterConnect  bool

	RSSI        *int
	Connectable *bool
	IsConnected bool
	LastSeen    time.Time

	State                          ConnState
	UserInitiatedDisconnect        bool
	ReconnectAttempt               int
	PendingReconnectAfterAdapterOn bool
	// TeardownPending is set while a link the manager abandoned is still
	// being torn down; its terminal callback belongs to no current attempt.
	TeardownPending bool

	VerifyTimer    clock.Slot
	ReconnectTimer clock.Slot
}

// NewRecord returns an idle record for id.
func NewRecord(id string, h Handle, now time.Time) *Record {
	return &Record{
		ID:       id,
		Handle:   h,
		LastSeen: now,
		State:    StateIdle,
	}
}

// IsHidden reports whether the record has no display name. Hidden records
// are never surfaced to consumers.
func (r *Record) IsHidden() bool {
	return r.DisplayName == ""
}

// SetAdvertisementName updates the advertised name. A blank value keeps the
// previous one: advertisements without a local name do not erase it.
func (r *Record) SetAdvertisementName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == r.AdvertisementName {
		return false
	}
	r.AdvertisementName = name
	r.resolveName()
	return true
}

// SetPeripheralName updates the OS-reported name. afterConnect marks a name
// learned from the connected peripheral rather than from scanning.
func (r *Record) SetPeripheralName(name string, afterConnect bool) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == r.PeripheralName {
		return false
	}
	r.PeripheralName = name
	r.nameAfterConnect = afterConnect
	r.resolveName()
	return true
}

func (r *Record) resolveName() {
	name, src := ResolveName(r.AdvertisementName, r.PeripheralName)
	if src == NameSourcePeripheral && r.nameAfterConnect {
		src = NameSourceResolvedAfterConnect
	}
	r.DisplayName = name
	r.NameSource = src
}

// SetRSSI stores a reading, treating the unavailable sentinel as absent.
func (r *Record) SetRSSI(v *int) {
	if v == nil || *v == RSSIUnavailable {
		r.RSSI = nil
		return
	}
	val := *v
	r.RSSI = &val
}

// Touch records an observation at now.
func (r *Record) Touch(now time.Time) {
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
}

// HasPendingReconnect reports whether an automatic reconnect is scheduled
// or deferred until the adapter powers on.
func (r *Record) HasPendingReconnect() bool {
	return r.ReconnectTimer.Armed() || r.PendingReconnectAfterAdapterOn
}

// CancelTimers invalidates the verify and reconnect timers.
func (r *Record) CancelTimers() {
	r.VerifyTimer.Cancel()
	r.ReconnectTimer.Cancel()
}

// ResetReconnect clears all automatic reconnect bookkeeping.
func (r *Record) ResetReconnect() {
	r.ReconnectTimer.Cancel()
	r.ReconnectAttempt = 0
	r.PendingReconnectAfterAdapterOn = false
}

// Snapshot returns a read-only copy for consumers.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		DeviceID:    r.ID,
		DisplayName: r.DisplayName,
		IsHidden:    r.IsHidden(),
		NameSource:  r.NameSource,
		SignalBars:  SignalBars(r.RSSI),
		IsConnected: r.IsConnected,
		LastSeenMs:  r.LastSeen.UnixMilli(),
	}
	if r.RSSI != nil {
		v := *r.RSSI
		s.RSSI = &v
	}
	if r.Connectable != nil {
		v := *r.Connectable
		s.IsConnectable = &v
	}
	return s
}

// Snapshot is the consumer-facing view of a record.
type Snapshot struct {
	DeviceID      string     `json:"deviceId"`
	DisplayName   string     `json:"displayName,omitempty"`
	IsHidden      bool       `json:"isHidden"`
	NameSource    NameSource `json:"nameSource,omitempty"`
	RSSI          *int       `json:"rssi,omitempty"`
	SignalBars    int        `json:"signalBars"`
	IsConnectable *bool      `json:"isConnectable,omitempty"`
	IsConnected   bool       `json:"isConnected"`
	LastSeenMs    int64      `json:"lastSeenMs"`
}
