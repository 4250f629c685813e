package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable machine-readable part of a manager error.
type ErrorCode string

const (
	CodeBluetoothOff         ErrorCode = "bluetooth_off"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeUnsupported          ErrorCode = "unsupported"
	CodeBluetoothUnavailable ErrorCode = "bluetooth_unavailable"
	CodeDeviceNotFound       ErrorCode = "device_not_found"
	CodeInvalidDeviceID      ErrorCode = "invalid_device_id"
	CodeUnnamedDeviceHidden  ErrorCode = "unnamed_device_hidden"
	CodeUnknownAdapterState  ErrorCode = "unknown_adapter_state"
)

// Error is a (code, message) pair. Request-time validation failures are
// returned as *Error; asynchronous failures never are.
type Error struct {
	Code ErrorCode
	Msg  string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare Error values by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors, one per code
var (
	ErrBluetoothOff         = &Error{Code: CodeBluetoothOff, Msg: "Bluetooth is powered off"}
	ErrUnauthorized         = &Error{Code: CodeUnauthorized, Msg: "Bluetooth access is not authorized"}
	ErrUnsupported          = &Error{Code: CodeUnsupported, Msg: "Bluetooth LE is not supported"}
	ErrBluetoothUnavailable = &Error{Code: CodeBluetoothUnavailable, Msg: "Bluetooth is not ready"}
	ErrDeviceNotFound       = &Error{Code: CodeDeviceNotFound, Msg: "device not found"}
	ErrInvalidDeviceID      = &Error{Code: CodeInvalidDeviceID, Msg: "invalid device identifier"}
	ErrUnnamedDeviceHidden  = &Error{Code: CodeUnnamedDeviceHidden, Msg: "device has no name and is hidden"}
	ErrUnknownAdapterState  = &Error{Code: CodeUnknownAdapterState, Msg: "unknown adapter state"}
)

// CodeOf extracts the ErrorCode from err, or "" if err does not carry one.
func CodeOf(err error) ErrorCode {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

// ErrTimeout marks a deadline expiry in asynchronous failures.
var ErrTimeout = errors.New("timeout")

// NormalizeError maps known radio error strings to the error taxonomy.
// Unknown errors are returned untouched. The original error is wrapped.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "have=3"), containsIgnoreCase(msg, "not authorized"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case containsIgnoreCase(msg, "have=2"), containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	case containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrBluetoothUnavailable, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
