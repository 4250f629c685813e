package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/clock"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/store"
)

// ErrStopped is returned by Manager calls made before Start or after Stop.
var ErrStopped = errors.New("connection manager is not running")

// DefaultEventBuffer is the consumer event queue capacity.
const DefaultEventBuffer = 256

// Options configures a Manager.
type Options struct {
	Settings    Settings
	Radio       radio.Radio
	Store       store.Store
	Logger      *logrus.Logger
	EventBuffer int
}

// Manager runs a Core on a single event loop goroutine. Public calls, radio
// callbacks and timer fires are all posted to the loop, so the Core never
// sees concurrent access.
type Manager struct {
	core   *Core
	radio  radio.Radio
	bus    *events.Bus
	logger *logrus.Logger

	inbox chan func()
	done  chan struct{}
	group groutine.Group

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
}

// New creates a stopped Manager.
func New(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	m := &Manager{
		radio:  opts.Radio,
		bus:    events.NewBus(opts.EventBuffer, opts.Logger),
		logger: opts.Logger,
		inbox:  make(chan func(), 64),
		done:   make(chan struct{}),
	}

	core, err := NewCore(CoreOptions{
		Settings: opts.Settings,
		Clock:    clock.Dispatching{Inner: clock.Real{}, Dispatch: m.post},
		Radio:    opts.Radio,
		Store:    opts.Store,
		Emitter:  m.bus,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.core = core
	return m, nil
}

// Events returns the channel the manager publishes on. It is closed by Stop.
func (m *Manager) Events() <-chan events.Event {
	return m.bus.C()
}

// Start launches the event loop and binds the radio. The manager runs
// until Stop; cancelling ctx does not stop it, so callers can still issue a
// final Disconnect after an interrupt. A stopped Manager cannot be
// restarted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.group.Go(loopCtx, "blemgr-loop", m.loop)

	if err := m.radio.Start(loopCtx, loopListener{m}); err != nil {
		m.Stop()
		return err
	}
	m.logger.Debug("Connection manager started")
	return nil
}

// Stop shuts the loop down, cancels every timer and closes the radio and
// the event channel. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	// Drain in-flight work and cancel timers on the loop before it exits.
	m.do(func() { m.core.Shutdown() })
	m.cancel()
	close(m.done)
	m.group.Wait()

	if err := m.radio.Close(); err != nil {
		m.logger.WithError(err).Warn("Radio close failed")
	}
	m.bus.Close()

	written, overwritten := m.bus.Metrics()
	m.logger.WithFields(logrus.Fields{
		"events":  written,
		"dropped": overwritten,
	}).Debug("Connection manager stopped")
}

func (m *Manager) loop(context.Context) {
	for {
		select {
		case <-m.done:
			return
		case f := <-m.inbox:
			f()
		}
	}
}

// post queues f on the loop without waiting. Work posted after Stop is
// dropped.
func (m *Manager) post(f func()) {
	select {
	case m.inbox <- f:
	case <-m.done:
	}
}

// do runs f on the loop and waits for it to finish.
func (m *Manager) do(f func()) bool {
	finished := make(chan struct{})
	select {
	case m.inbox <- func() { f(); close(finished) }:
	case <-m.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) call(f func() error) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrStopped
	}

	var err error
	if !m.do(func() { err = f() }) {
		return ErrStopped
	}
	return err
}

// StartScan starts discovery. A zero timeout scans until StopScan.
func (m *Manager) StartScan(timeout time.Duration) error {
	return m.call(func() error { return m.core.StartScan(timeout) })
}

// StopScan stops discovery.
func (m *Manager) StopScan() error {
	return m.call(func() error { m.core.StopScan(); return nil })
}

// Connect requests a connection to the device with identifier id.
func (m *Manager) Connect(id string) error {
	return m.call(func() error { return m.core.Connect(id) })
}

// Disconnect requests a user-initiated disconnect.
func (m *Manager) Disconnect(id string) error {
	return m.call(func() error { return m.core.Disconnect(id) })
}

// ForgetKnown removes a device from the known-device store.
func (m *Manager) ForgetKnown(id string) error {
	return m.call(func() error { return m.core.ForgetKnown(id) })
}

// VisibleDevices returns the current visible device list.
func (m *Manager) VisibleDevices() ([]device.Snapshot, error) {
	var out []device.Snapshot
	err := m.call(func() error { out = m.core.VisibleDevices(); return nil })
	return out, err
}

// ConnectionStates returns the latest connection event per non-idle device.
func (m *Manager) ConnectionStates() ([]events.ConnectionState, error) {
	var out []events.ConnectionState
	err := m.call(func() error { out = m.core.ConnectionStates(); return nil })
	return out, err
}

// KnownDevices returns the persisted known-device map.
func (m *Manager) KnownDevices() (map[string]string, error) {
	var out map[string]string
	err := m.call(func() error { out = m.core.KnownDevices(); return nil })
	return out, err
}

// AdapterState returns the last reported adapter state.
func (m *Manager) AdapterState() (adapter.State, error) {
	var out adapter.State
	err := m.call(func() error { out = m.core.AdapterState(); return nil })
	return out, err
}

// loopListener forwards radio callbacks onto the manager loop.
type loopListener struct {
	m *Manager
}

func (l loopListener) OnAdapterStateChanged(state adapter.State) {
	l.m.post(func() { l.m.core.OnAdapterStateChanged(state) })
}

func (l loopListener) OnDiscovered(d radio.Discovery) {
	l.m.post(func() { l.m.core.OnDiscovered(d) })
}

func (l loopListener) OnConnected(id string) {
	l.m.post(func() { l.m.core.OnConnected(id) })
}

func (l loopListener) OnConnectFailed(id string, err error) {
	l.m.post(func() { l.m.core.OnConnectFailed(id, err) })
}

func (l loopListener) OnDisconnected(id string, err error) {
	l.m.post(func() { l.m.core.OnDisconnected(id, err) })
}

func (l loopListener) OnServicesDiscovered(id string, services []string, err error) {
	l.m.post(func() { l.m.core.OnServicesDiscovered(id, services, err) })
}

func (l loopListener) OnCharacteristicsDiscovered(id string, count int, err error) {
	l.m.post(func() { l.m.core.OnCharacteristicsDiscovered(id, count, err) })
}

func (l loopListener) OnRSSIRead(id string, rssi *int, err error) {
	l.m.post(func() { l.m.core.OnRSSIRead(id, rssi, err) })
}

func (l loopListener) OnNameResolved(id string, name string) {
	l.m.post(func() { l.m.core.OnNameResolved(id, name) })
}
