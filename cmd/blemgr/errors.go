package main

import (
	"errors"

	"github.com/srg/blemgr/internal/device"
)

// Command-level errors
var (
	// ErrDeviceNotDiscovered indicates the target device was not seen before
	// the discovery deadline.
	ErrDeviceNotDiscovered = errors.New("device was not discovered")

	// ErrWaitTimeout indicates the adapter did not reach the requested state
	// in time.
	ErrWaitTimeout = errors.New("adapter did not reach the requested state")
)

// FormatUserError turns manager errors into a message with a hint the user
// can act on. Other errors are printed as is.
func FormatUserError(err error) string {
	switch device.CodeOf(err) {
	case device.CodeBluetoothOff:
		return err.Error() + " (turn Bluetooth on and retry)"
	case device.CodeUnauthorized:
		return err.Error() + " (grant Bluetooth access to this terminal in system settings)"
	case device.CodeUnsupported:
		return err.Error() + " (no Bluetooth LE adapter found)"
	case device.CodeBluetoothUnavailable:
		return err.Error() + " (the adapter is still starting, retry in a moment)"
	case device.CodeInvalidDeviceID:
		return err.Error() + " (use the identifier shown by 'blemgr scan')"
	case device.CodeDeviceNotFound:
		return err.Error() + " (run 'blemgr scan' to see nearby devices)"
	case device.CodeUnnamedDeviceHidden:
		return err.Error() + " (devices without a name cannot be connected)"
	case device.CodeUnknownAdapterState:
		return err.Error() + " (see 'blemgr wait --help' for the valid states)"
	}
	switch {
	case errors.Is(err, ErrDeviceNotDiscovered):
		return err.Error() + " (make sure it is advertising and in range)"
	case errors.Is(err, ErrWaitTimeout):
		return err.Error() + " (raise --timeout or check the adapter)"
	}
	return err.Error()
}
