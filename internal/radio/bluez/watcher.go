// Package bluez watches the BlueZ adapter object over the system D-Bus and
// reports its power state.
package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/adapter"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	propertiesIface = "org.freedesktop.DBus.Properties"

	// DefaultAdapterPath is the first HCI controller.
	DefaultAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
)

// systemBus is the part of *dbus.Conn the watcher uses.
type systemBus interface {
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

func connectSystemBus() (systemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Watcher reports Adapter1.Powered changes. It satisfies goble.PowerWatcher.
type Watcher struct {
	path    dbus.ObjectPath
	logger  *logrus.Logger
	connect func() (systemBus, error)
}

// NewWatcher creates a watcher for the adapter at path. An empty path selects
// DefaultAdapterPath.
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	p := dbus.ObjectPath(path)
	if path == "" {
		p = DefaultAdapterPath
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{path: p, logger: logger, connect: connectSystemBus}
}

// Watch reports the current power state and then every change until ctx is
// done.
func (w *Watcher) Watch(ctx context.Context, report func(adapter.State)) error {
	bus, err := w.connect()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	defer bus.Close()

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(w.path),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

	powered, err := bus.Object(bluezService, w.path).GetProperty(adapterIface + ".Powered")
	if err != nil {
		w.logger.WithError(err).WithField("adapter", w.path).Debug("Adapter not present")
		report(adapter.StateUnsupported)
	} else if state, ok := stateFromPowered(powered); ok {
		report(state)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("bluez: signal channel closed")
			}
			if state, changed := stateFromSignal(sig, w.path); changed {
				w.logger.WithFields(logrus.Fields{
					"adapter": w.path,
					"state":   state,
				}).Debug("BlueZ adapter power changed")
				report(state)
			}
		}
	}
}

// stateFromSignal extracts a power change from a PropertiesChanged signal
// for the adapter at path.
func stateFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (adapter.State, bool) {
	if sig == nil || sig.Path != path || len(sig.Body) < 2 {
		return adapter.StateUnknown, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != adapterIface {
		return adapter.StateUnknown, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return adapter.StateUnknown, false
	}
	return stateFromPowered(v)
}

func stateFromPowered(v dbus.Variant) (adapter.State, bool) {
	powered, ok := v.Value().(bool)
	if !ok {
		return adapter.StateUnknown, false
	}
	if powered {
		return adapter.StatePoweredOn, true
	}
	return adapter.StatePoweredOff, true
}
