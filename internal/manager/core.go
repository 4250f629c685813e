package manager

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/backoff"
	"github.com/srg/blemgr/internal/batcher"
	"github.com/srg/blemgr/internal/clock"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/reaper"
	"github.com/srg/blemgr/internal/registry"
	"github.com/srg/blemgr/internal/store"
)

// DefaultVerifyTimeout bounds service discovery after a link comes up.
const DefaultVerifyTimeout = 6 * time.Second

// Settings tunes the lifecycle timers and policies.
type Settings struct {
	BatchInterval    time.Duration
	ReaperInterval   time.Duration
	StaleThreshold   time.Duration
	VerifyTimeout    time.Duration
	AutoReconnect    bool
	AutoConnectKnown bool
	Backoff          backoff.Policy
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		BatchInterval:    batcher.DefaultInterval,
		ReaperInterval:   reaper.DefaultInterval,
		StaleThreshold:   reaper.DefaultThreshold,
		VerifyTimeout:    DefaultVerifyTimeout,
		AutoReconnect:    true,
		AutoConnectKnown: true,
		Backoff:          backoff.DefaultPolicy(),
	}
}

// CoreOptions wires a Core to its collaborators.
type CoreOptions struct {
	Settings Settings
	Clock    clock.Clock
	Radio    radio.Radio
	Store    store.Store
	Emitter  events.Emitter
	Logger   *logrus.Logger
	// Rand returns values in [0, 1) for backoff jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// Core is the connection manager state machine. It owns the device registry
// and every per-device record, and implements radio.Listener.
//
// Core is not safe for concurrent use: every method, radio callback and
// timer callback must run on one goroutine. Manager provides that goroutine.
type Core struct {
	settings Settings
	clock    clock.Clock
	radio    radio.Radio
	store    store.Store
	emitter  events.Emitter
	logger   *logrus.Logger
	rnd      func() float64

	registry *registry.Registry
	batcher  *batcher.Batcher
	reaper   *reaper.Reaper

	adapterState adapter.State

	scanning            bool
	scanDeferred        bool
	deferredScanTimeout time.Duration
	scanTimer           clock.Slot

	known            map[string]string
	userDisconnected map[string]struct{}
	autoConnectDone  bool

	// lastEvents keeps the latest connection event per device so late
	// consumers can rebuild state without replay.
	lastEvents map[string]events.ConnectionState
	// queuedConnects marks devices whose user connect arrived while a user
	// disconnect was still in flight; the connect is reissued once the
	// disconnect completes.
	queuedConnects map[string]struct{}
}

var _ radio.Listener = (*Core)(nil)

// NewCore creates a Core and loads persisted state from the store.
func NewCore(opts CoreOptions) (*Core, error) {
	if opts.Radio == nil {
		return nil, fmt.Errorf("radio is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Settings.VerifyTimeout <= 0 {
		opts.Settings.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.Settings.Backoff == (backoff.Policy{}) {
		opts.Settings.Backoff = backoff.DefaultPolicy()
	}

	c := &Core{
		settings:         opts.Settings,
		clock:            opts.Clock,
		radio:            opts.Radio,
		store:            opts.Store,
		emitter:          opts.Emitter,
		logger:           opts.Logger,
		rnd:              opts.Rand,
		registry:         registry.New(opts.Logger),
		adapterState:     adapter.StateUnknown,
		known:            map[string]string{},
		userDisconnected: map[string]struct{}{},
		lastEvents:       map[string]events.ConnectionState{},
		queuedConnects:   map[string]struct{}{},
	}
	c.batcher = batcher.New(c.clock, c.settings.BatchInterval, c.registry.Get, c.emitter, c.logger)
	c.reaper = reaper.New(c.clock, c.settings.ReaperInterval, c.settings.StaleThreshold)

	known, err := c.store.LoadKnownDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to load known devices: %w", err)
	}
	for id, name := range known {
		canonical, err := device.ParseID(id)
		if err != nil {
			c.logger.WithField("device", id).Warn("Ignoring malformed known device identifier")
			continue
		}
		c.known[canonical] = name
	}

	disconnected, err := c.store.LoadUserDisconnected()
	if err != nil {
		return nil, fmt.Errorf("failed to load user-disconnected devices: %w", err)
	}
	for _, id := range disconnected {
		if canonical, err := device.ParseID(id); err == nil {
			c.userDisconnected[canonical] = struct{}{}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"known_devices":     len(c.known),
		"user_disconnected": len(c.userDisconnected),
	}).Debug("Loaded persisted device state")

	return c, nil
}

// AdapterState returns the last reported adapter state.
func (c *Core) AdapterState() adapter.State {
	return c.adapterState
}

// IsScanning reports whether a scan is active.
func (c *Core) IsScanning() bool {
	return c.scanning
}

// Record returns the live record for id. Callers on the loop goroutine only.
func (c *Core) Record(id string) (*device.Record, bool) {
	return c.registry.Get(id)
}

// VisibleDevices returns snapshots of every visible device ordered by id.
func (c *Core) VisibleDevices() []device.Snapshot {
	out := []device.Snapshot{}
	for _, rec := range c.registry.All() {
		if rec.IsHidden() {
			continue
		}
		out = append(out, rec.Snapshot())
	}
	return out
}

// ConnectionStates returns the latest connection event of every device
// whose state is not idle, ordered by id.
func (c *Core) ConnectionStates() []events.ConnectionState {
	out := []events.ConnectionState{}
	for _, rec := range c.registry.All() {
		if rec.State == device.StateIdle {
			continue
		}
		ev, ok := c.lastEvents[rec.ID]
		if !ok {
			ev = events.ConnectionState{DeviceID: rec.ID, State: rec.State, TimestampMs: c.nowMs()}
		}
		out = append(out, ev)
	}
	return out
}

// KnownDevices returns a copy of the known-device map.
func (c *Core) KnownDevices() map[string]string {
	out := make(map[string]string, len(c.known))
	for k, v := range c.known {
		out[k] = v
	}
	return out
}

// radioID canonicalizes an identifier reported by the radio. Identifiers
// that are not UUIDs are dropped.
func (c *Core) radioID(id, callback string) (string, bool) {
	canonical, err := device.ParseID(id)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"device":   id,
			"callback": callback,
		}).Warn("Ignoring radio callback with invalid device identifier")
		return "", false
	}
	return canonical, true
}

// radioRecord resolves a radio-reported identifier to its record.
func (c *Core) radioRecord(id, callback string) (*device.Record, bool) {
	canonical, ok := c.radioID(id, callback)
	if !ok {
		return nil, false
	}
	rec, ok := c.registry.Get(canonical)
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"device":   canonical,
			"callback": callback,
		}).Debug("Radio callback for unknown device")
	}
	return rec, ok
}

func (c *Core) nowMs() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Core) isUserDisconnected(id string) bool {
	_, ok := c.userDisconnected[id]
	return ok
}

func (c *Core) addUserDisconnected(id string) {
	if c.isUserDisconnected(id) {
		return
	}
	c.userDisconnected[id] = struct{}{}
	c.saveUserDisconnected()
}

func (c *Core) clearUserDisconnected(id string) {
	if !c.isUserDisconnected(id) {
		return
	}
	delete(c.userDisconnected, id)
	c.saveUserDisconnected()
}

func (c *Core) saveUserDisconnected() {
	ids := make([]string, 0, len(c.userDisconnected))
	for id := range c.userDisconnected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := c.store.SaveUserDisconnected(ids); err != nil {
		c.logger.WithError(err).Error("Failed to persist user-disconnected devices")
	}
}

func (c *Core) rememberKnown(id, name string) {
	if name == "" || c.known[id] == name {
		return
	}
	c.known[id] = name
	if err := c.store.SaveKnownDevices(c.known); err != nil {
		c.logger.WithError(err).WithField("device", id).Error("Failed to persist known device")
	}
}

// ForgetKnown removes id from the known-device store.
func (c *Core) ForgetKnown(id string) error {
	canonical, err := device.ParseID(id)
	if err != nil {
		return err
	}
	if _, ok := c.known[canonical]; !ok {
		return fmt.Errorf("%w: %s is not a known device", device.ErrDeviceNotFound, canonical)
	}
	delete(c.known, canonical)
	if err := c.store.SaveKnownDevices(c.known); err != nil {
		return fmt.Errorf("failed to persist known devices: %w", err)
	}
	return nil
}

// Shutdown cancels every timer. The Core must not be used afterwards.
func (c *Core) Shutdown() {
	c.scanTimer.Cancel()
	c.reaper.Stop()
	c.batcher.Stop()
	for _, rec := range c.registry.All() {
		rec.CancelTimers()
	}
}
