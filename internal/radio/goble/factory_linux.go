//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// HCI addresses are MAC addresses; identifiers are derived from them and a
// peripheral must be seen before it can be dialled.
const addressIsID = false

func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice()
}
