// Package goble implements radio.Radio on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/radio"
)

const (
	// DefaultConnectTimeout bounds a single dial.
	DefaultConnectTimeout = 20 * time.Second

	// DefaultProbeInterval is how often an unavailable adapter is re-probed.
	DefaultProbeInterval = 3 * time.Second
)

// DeviceFactory creates the go-ble device. Tests replace it.
var DeviceFactory = newPlatformDevice

// PowerWatcher reports adapter power changes the go-ble device cannot see
// on its own, such as BlueZ toggling Powered.
type PowerWatcher interface {
	Watch(ctx context.Context, report func(adapter.State)) error
}

// Options configures a Radio.
type Options struct {
	ConnectTimeout time.Duration
	ProbeInterval  time.Duration
	// AllowDuplicates keeps reporting a peripheral on every advertisement,
	// which keeps RSSI and last-seen fresh.
	AllowDuplicates bool
	Watcher         PowerWatcher
	Logger          *logrus.Logger
}

type link struct {
	cancel   context.CancelFunc
	client   ble.Client
	services []*ble.Service

	// closing is set once the link was asked to go down; redial asks the
	// connect goroutine to dial again after it reported the teardown.
	closing bool
	redial  bool
}

// Radio is a radio.Radio backed by a go-ble device.
type Radio struct {
	opts   Options
	logger *logrus.Logger
	book   *addressBook
	group  groutine.Group

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	dev        ble.Device
	listener   radio.Listener
	state      adapter.State
	scanCancel context.CancelFunc
	links      map[string]*link
	probing    bool
}

var _ radio.Radio = (*Radio)(nil)

// New creates an unstarted Radio.
func New(opts Options) *Radio {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Radio{
		opts:   opts,
		logger: opts.Logger,
		book:   newAddressBook(),
		state:  adapter.StateUnknown,
		links:  map[string]*link{},
	}
}

// Start opens the platform device and reports the resulting adapter state.
// When the device cannot be opened the adapter is re-probed until it can.
func (r *Radio) Start(ctx context.Context, l radio.Listener) error {
	r.mu.Lock()
	if r.listener != nil {
		r.mu.Unlock()
		return fmt.Errorf("radio already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.listener = l
	r.mu.Unlock()

	if !r.probe() {
		r.startProbing()
	}

	if r.opts.Watcher != nil {
		r.group.Go(r.ctx, "goble-power-watch", func(ctx context.Context) {
			if err := r.opts.Watcher.Watch(ctx, r.powerChanged); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.WithError(err).Warn("Adapter power watcher stopped")
			}
		})
	}
	return nil
}

// probe tries to open the device once and reports whether it succeeded.
func (r *Radio) probe() bool {
	dev, err := DeviceFactory()
	if err != nil {
		state := adapter.FromError(err)
		r.logger.WithError(err).WithField("state", state).Debug("Bluetooth adapter is not available")
		r.setState(state)
		return false
	}
	r.mu.Lock()
	old := r.dev
	r.dev = dev
	r.mu.Unlock()
	if old != nil && old != dev {
		if err := old.Stop(); err != nil {
			r.logger.WithError(err).Debug("Failed to stop the previous BLE device")
		}
	}
	r.setState(adapter.StatePoweredOn)
	return true
}

// startProbing re-probes the adapter in the background until it opens.
func (r *Radio) startProbing() {
	r.mu.Lock()
	if r.probing {
		r.mu.Unlock()
		return
	}
	r.probing = true
	r.mu.Unlock()
	r.group.Go(r.ctx, "goble-adapter-probe", r.probeLoop)
}

func (r *Radio) probeLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.probing = false
		r.mu.Unlock()
	}()
	ticker := time.NewTicker(r.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.probe() {
				return
			}
		}
	}
}

// powerChanged handles an out-of-band power report.
func (r *Radio) powerChanged(state adapter.State) {
	if state.Ready() {
		r.mu.Lock()
		opened := r.dev != nil
		r.mu.Unlock()
		if !opened && !r.probe() {
			return
		}
	} else {
		r.dropAll(device.ErrBluetoothOff)
	}
	r.setState(state)
}

// adapterFailed handles a request error that says the adapter went away.
// Without a power watcher nothing else reports its return, so the adapter
// is re-probed.
func (r *Radio) adapterFailed(state adapter.State, cause error) {
	r.dropAll(cause)
	r.setState(state)
	if r.opts.Watcher == nil {
		r.startProbing()
	}
}

func (r *Radio) setState(state adapter.State) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	l := r.listener
	r.mu.Unlock()
	if changed && l != nil {
		l.OnAdapterStateChanged(state)
	}
}

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil || !r.state.Ready() {
		return nil, r.state.Err()
	}
	return r.dev, nil
}

// StartScanning begins an advertisement scan on a background goroutine.
func (r *Radio) StartScanning() error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.scanCancel != nil {
		r.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(r.ctx)
	r.scanCancel = cancel
	r.mu.Unlock()

	r.group.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, r.opts.AllowDuplicates, r.handleAdvertisement)
		r.mu.Lock()
		r.scanCancel = nil
		r.mu.Unlock()
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		err = device.NormalizeError(err)
		r.logger.WithError(err).Warn("Scan ended with error")
		if state := adapter.FromError(err); state != adapter.StateUnknown {
			r.adapterFailed(state, err)
		}
	})
	return nil
}

func (r *Radio) handleAdvertisement(a ble.Advertisement) {
	if a.Addr() == nil {
		return
	}
	id := r.book.learn(a.Addr().String())
	rssi := a.RSSI()
	connectable := a.Connectable()

	r.mu.Lock()
	l := r.listener
	_, linked := r.links[id]
	r.mu.Unlock()

	l.OnDiscovered(radio.Discovery{
		ID:                id,
		Handle:            radio.Handle(id),
		AdvertisementName: a.LocalName(),
		RSSI:              &rssi,
		Connectable:       &connectable,
		OSConnected:       linked,
		Now:               time.Now(),
	})
}

// StopScanning cancels the active scan, if any.
func (r *Radio) StopScanning() error {
	r.mu.Lock()
	cancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect dials the peripheral. The outcome is reported through the
// listener.
func (r *Radio) Connect(h device.Handle) error {
	dev, err := r.device()
	if err != nil {
		return err
	}
	id := h.ID()
	addr, ok := r.book.lookup(id)
	if !ok {
		return fmt.Errorf("%w: no address for %s", device.ErrDeviceNotFound, id)
	}

	r.mu.Lock()
	if lk, busy := r.links[id]; busy {
		if lk.closing {
			lk.redial = true
		}
		r.mu.Unlock()
		return nil
	}
	linkCtx, cancel := context.WithCancel(r.ctx)
	lk := &link{cancel: cancel}
	r.links[id] = lk
	r.mu.Unlock()

	r.group.Go(linkCtx, "goble-connect", func(ctx context.Context) {
		r.dial(ctx, dev, id, addr, lk)
	})
	return nil
}

func (r *Radio) dial(ctx context.Context, dev ble.Device, id, addr string, lk *link) {
	logger := r.logger.WithFields(logrus.Fields{
		"device":    id,
		"address":   addr,
		"goroutine": groutine.GetName(ctx),
	})
	logger.Debug("Dialing BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	client, err := dev.Dial(dialCtx, ble.NewAddr(addr))
	cancel()
	if err != nil {
		r.forget(id, lk)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect to %s", device.ErrTimeout, id)
		}
		err = device.NormalizeError(err)
		logger.WithError(err).Debug("Dial failed")
		// Without a running scan a dial is the only place the platform
		// device reports that the adapter went away.
		if state := adapter.FromError(err); state != adapter.StateUnknown {
			r.adapterFailed(state, err)
		}
		r.listener.OnConnectFailed(id, err)
		r.redialIfRequested(id, lk)
		return
	}

	r.mu.Lock()
	if r.links[id] != lk {
		// Cancelled while dialling.
		r.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	lk.client = client
	r.mu.Unlock()

	r.listener.OnConnected(id)
	if name := client.Name(); name != "" {
		r.listener.OnNameResolved(id, name)
	}

	select {
	case <-client.Disconnected():
		logger.Debug("Peripheral reported disconnection")
	case <-ctx.Done():
		_ = client.CancelConnection()
	}
	r.forget(id, lk)
	r.listener.OnDisconnected(id, nil)
	r.redialIfRequested(id, lk)
}

// redialIfRequested starts the dial that Connect deferred while lk was
// still going down.
func (r *Radio) redialIfRequested(id string, lk *link) {
	r.mu.Lock()
	redial := lk.redial
	r.mu.Unlock()
	if !redial {
		return
	}
	r.logger.WithField("device", id).Debug("Dialing again after teardown")
	if err := r.Connect(radio.Handle(id)); err != nil {
		r.listener.OnConnectFailed(id, err)
	}
}

func (r *Radio) forget(id string, lk *link) {
	r.mu.Lock()
	if r.links[id] == lk {
		delete(r.links, id)
	}
	r.mu.Unlock()
}

func (r *Radio) client(id string) (*link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lk, ok := r.links[id]
	if !ok || lk.client == nil {
		return nil, fmt.Errorf("%s is not connected", id)
	}
	return lk, nil
}

// CancelConnection aborts a dial or tears down an established link.
func (r *Radio) CancelConnection(h device.Handle) error {
	id := h.ID()
	r.mu.Lock()
	lk, ok := r.links[id]
	var client ble.Client
	if ok {
		client = lk.client
		lk.closing = true
		lk.redial = false
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			return device.NormalizeError(err)
		}
		return nil
	}
	// Still dialling: cancelling the context ends the dial and the
	// connect goroutine reports the failure.
	lk.cancel()
	return nil
}

// DiscoverServices lists the primary services of a connected peripheral.
func (r *Radio) DiscoverServices(h device.Handle) error {
	id := h.ID()
	lk, err := r.client(id)
	if err != nil {
		return err
	}
	r.group.Go(r.ctx, "goble-discover-services", func(ctx context.Context) {
		services, err := lk.client.DiscoverServices(nil)
		if err != nil {
			r.listener.OnServicesDiscovered(id, nil, device.NormalizeError(err))
			return
		}
		r.mu.Lock()
		lk.services = services
		r.mu.Unlock()

		uuids := make([]string, 0, len(services))
		for _, s := range services {
			uuids = append(uuids, device.NormalizeServiceUUID(s.UUID.String()))
		}
		r.listener.OnServicesDiscovered(id, uuids, nil)
	})
	return nil
}

// DiscoverCharacteristics walks the services found by DiscoverServices.
func (r *Radio) DiscoverCharacteristics(h device.Handle) error {
	id := h.ID()
	lk, err := r.client(id)
	if err != nil {
		return err
	}
	r.group.Go(r.ctx, "goble-discover-characteristics", func(ctx context.Context) {
		r.mu.Lock()
		services := lk.services
		r.mu.Unlock()

		count := 0
		for _, s := range services {
			chars, err := lk.client.DiscoverCharacteristics(nil, s)
			if err != nil {
				r.listener.OnCharacteristicsDiscovered(id, count, device.NormalizeError(err))
				return
			}
			count += len(chars)
		}
		r.listener.OnCharacteristicsDiscovered(id, count, nil)
	})
	return nil
}

// ReadRSSI reads the signal strength of a connected peripheral.
func (r *Radio) ReadRSSI(h device.Handle) error {
	id := h.ID()
	lk, err := r.client(id)
	if err != nil {
		return err
	}
	r.group.Go(r.ctx, "goble-read-rssi", func(ctx context.Context) {
		v := lk.client.ReadRSSI()
		r.listener.OnRSSIRead(id, &v, nil)
	})
	return nil
}

// RetrieveKnownPeripherals resolves the identifiers the platform can dial
// without a fresh advertisement.
func (r *Radio) RetrieveKnownPeripherals(ids []string) []radio.Peripheral {
	out := make([]radio.Peripheral, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.book.lookup(id); !ok {
			continue
		}
		r.mu.Lock()
		var client ble.Client
		if lk, linked := r.links[id]; linked {
			client = lk.client
		}
		r.mu.Unlock()
		p := radio.Peripheral{Handle: radio.Handle(id)}
		if client != nil {
			p.Connected = true
			p.Name = client.Name()
		}
		out = append(out, p)
	}
	return out
}

// dropAll tears down every link after the adapter went away.
func (r *Radio) dropAll(cause error) {
	r.mu.Lock()
	links := r.links
	r.links = map[string]*link{}
	scanCancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()

	if scanCancel != nil {
		scanCancel()
	}
	for id, lk := range links {
		lk.cancel()
		r.logger.WithError(cause).WithField("device", id).Debug("Dropping link")
	}
}

// Close stops every worker and releases the platform device.
func (r *Radio) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	r.dropAll(context.Canceled)
	if cancel != nil {
		cancel()
	}
	r.group.Wait()

	// A probe may have replaced the device until the workers stopped.
	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			return fmt.Errorf("failed to stop BLE device: %w", err)
		}
	}
	return nil
}
