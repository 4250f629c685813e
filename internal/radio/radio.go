// Package radio defines the capability boundary between the connection
// manager and the platform Bluetooth stack: the requests the manager issues
// and the callbacks the stack delivers.
package radio

import (
	"context"
	"time"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/device"
)

// Discovery is one advertisement or scan result. Nil pointers mean the value
// was not reported.
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

// Peripheral is a previously known peripheral retrieved by identifier.
type Peripheral struct {
	Handle    device.Handle
	Name      string
	Connected bool
}

// Listener receives radio callbacks. Callbacks arrive asynchronously, may be
// delivered from any goroutine, and are unordered relative to requests.
type Listener interface {
	OnAdapterStateChanged(state adapter.State)
	OnDiscovered(d Discovery)
	OnConnected(id string)
	OnConnectFailed(id string, err error)
	OnDisconnected(id string, err error)
	OnServicesDiscovered(id string, services []string, err error)
	OnCharacteristicsDiscovered(id string, count int, err error)
	OnRSSIRead(id string, rssi *int, err error)
	OnNameResolved(id string, name string)
}

// Radio is the set of requests the manager issues. Every request returns
// promptly; completion is reported through the Listener.
type Radio interface {
	// Start binds the listener and begins reporting adapter state.
	Start(ctx context.Context, l Listener) error
	StartScanning() error
	StopScanning() error
	Connect(h device.Handle) error
	CancelConnection(h device.Handle) error
	DiscoverServices(h device.Handle) error
	DiscoverCharacteristics(h device.Handle) error
	ReadRSSI(h device.Handle) error
	// RetrieveKnownPeripherals returns the subset of ids the stack can
	// still resolve to a peripheral.
	RetrieveKnownPeripherals(ids []string) []Peripheral
	Close() error
}

// Handle is a minimal device.Handle for stacks that address peripherals by
// identifier alone.
type Handle string

func (h Handle) ID() string { return string(h) }
