// Package registry keeps one device.Record per peripheral identifier seen
// during the session.
package registry

import (
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
)

// Discovery is one observation of a peripheral delivered by the radio.
// Nil pointers mean the field was not present in the observation.
type Discovery struct {
	ID                string
	Handle            device.Handle
	AdvertisementName string
	PeripheralName    string
	RSSI              *int
	Connectable       *bool
	OSConnected       bool
	Now               time.Time
}

// Registry is the table of every peripheral seen this session. Identifiers
// are never reused; a removed identifier that is discovered again gets a
// fresh record.
type Registry struct {
	records *hashmap.Map[string, *device.Record]
	logger  *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		records: hashmap.New[string, *device.Record](),
		logger:  logger,
	}
}

// UpsertFromDiscovery merges d into the record for d.ID, creating it when
// missing. The display name is recomputed whenever a name source changes.
// It returns the record and whether it was created.
func (r *Registry) UpsertFromDiscovery(d Discovery) (*device.Record, bool) {
	rec, existing := r.records.Get(d.ID)
	if !existing {
		rec = device.NewRecord(d.ID, d.Handle, d.Now)
		r.records.Set(d.ID, rec)
	} else if d.Handle != nil {
		rec.Handle = d.Handle
	}

	rec.SetAdvertisementName(d.AdvertisementName)
	rec.SetPeripheralName(d.PeripheralName, false)
	if d.RSSI != nil {
		rec.SetRSSI(d.RSSI)
	}
	if d.Connectable != nil {
		v := *d.Connectable
		rec.Connectable = &v
	}
	if d.OSConnected {
		rec.IsConnected = true
	} else if !rec.State.Connected() {
		rec.IsConnected = false
	}
	rec.Touch(d.Now)

	if !existing {
		r.logger.WithFields(logrus.Fields{
			"device": rec.ID,
			"name":   rec.DisplayName,
			"hidden": rec.IsHidden(),
		}).Debug("Discovered new device")
	}

	return rec, !existing
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*device.Record, bool) {
	return r.records.Get(id)
}

// Remove deletes the record for id and returns it.
func (r *Registry) Remove(id string) (*device.Record, bool) {
	rec, ok := r.records.Get(id)
	if !ok {
		return nil, false
	}
	r.records.Del(id)
	return rec, true
}

// All returns every record ordered by identifier.
func (r *Registry) All() []*device.Record {
	out := make([]*device.Record, 0, r.records.Len())
	r.records.Range(func(_ string, rec *device.Record) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return r.records.Len()
}
