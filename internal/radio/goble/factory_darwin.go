//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth addresses peripherals by a per-host UUID, so identifiers
// double as dial addresses and known peripherals can be retrieved unseen.
const addressIsID = true

func newPlatformDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
