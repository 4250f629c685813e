//go:build test

package testutils

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	"github.com/srg/blemgr/internal/testutils/mocks"
)

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string
	Characteristics []string
}

// PeripheralDeviceBuilder builds a mocked ble.Device that advertises, accepts
// a dial and answers service discovery.
type PeripheralDeviceBuilder struct {
	name               string
	rssi               int
	services           []ServiceConfig
	scanAdvertisements []ble.Advertisement
	dialErr            error
	deferredTeardown   bool
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{rssi: -55}
}

// WithName sets the name the connected client reports.
func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.name = name
	return b
}

// WithRSSI sets the value ReadRSSI returns.
func (b *PeripheralDeviceBuilder) WithRSSI(rssi int) *PeripheralDeviceBuilder {
	b.rssi = rssi
	return b
}

// WithService adds a service with the given characteristic UUIDs.
func (b *PeripheralDeviceBuilder) WithService(uuid string, characteristics ...string) *PeripheralDeviceBuilder {
	b.services = append(b.services, ServiceConfig{UUID: uuid, Characteristics: characteristics})
	return b
}

// WithScanAdvertisements makes Scan deliver ads to the handler.
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...ble.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// WithDialError makes every dial fail with err.
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithDeferredTeardown keeps the link up after CancelConnection until the
// test calls Disconnect.
func (b *PeripheralDeviceBuilder) WithDeferredTeardown() *PeripheralDeviceBuilder {
	b.deferredTeardown = true
	return b
}

// Peripheral is a built mock device and the client its dial returns.
// Disconnect simulates the peripheral dropping the link.
type Peripheral struct {
	Device       *mocks.MockDevice
	Client       *mocks.MockClient
	disconnected chan struct{}
	once         sync.Once
}

// Disconnect closes the client's Disconnected channel. Repeated calls are
// no-ops.
func (p *Peripheral) Disconnect() {
	p.once.Do(func() { close(p.disconnected) })
}

// Build creates the mocked device with the configured profile
func (b *PeripheralDeviceBuilder) Build() *Peripheral {
	dev := &mocks.MockDevice{}
	client := &mocks.MockClient{}
	p := &Peripheral{Device: dev, Client: client, disconnected: make(chan struct{})}

	var services []*ble.Service
	for _, cfg := range b.services {
		svc := &ble.Service{UUID: ble.MustParse(cfg.UUID)}
		var chars []*ble.Characteristic
		for _, c := range cfg.Characteristics {
			chars = append(chars, &ble.Characteristic{UUID: ble.MustParse(c)})
		}
		svc.Characteristics = chars
		client.On("DiscoverCharacteristics", mock.Anything, svc).Return(chars, nil).Maybe()
		services = append(services, svc)
	}

	if b.dialErr != nil {
		dev.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr).Maybe()
	} else {
		dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil).Maybe()
	}
	dev.On("Stop").Return(nil).Maybe()
	dev.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(2).(ble.AdvHandler)
			for _, adv := range b.scanAdvertisements {
				handler(adv)
			}
		}).
		Return(nil).Maybe()

	client.On("Name").Return(b.name).Maybe()
	client.On("ReadRSSI").Return(b.rssi).Maybe()
	client.On("DiscoverServices", mock.Anything).Return(services, nil).Maybe()
	client.On("Disconnected").Return(p.disconnected).Maybe()
	cancel := client.On("CancelConnection").Return(nil).Maybe()
	if !b.deferredTeardown {
		cancel.Run(func(mock.Arguments) { p.Disconnect() })
	}

	return p
}
