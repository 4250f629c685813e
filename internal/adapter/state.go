// Package adapter models the power and authorization state of the local
// Bluetooth radio.
package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/srg/blemgr/internal/device"
)

// State is the adapter state as reported by the OS.
type State string

const (
	StateUnknown      State = "unknown"
	StateResetting    State = "resetting"
	StateUnsupported  State = "unsupported"
	StateUnauthorized State = "unauthorized"
	StatePoweredOff   State = "poweredOff"
	StatePoweredOn    State = "poweredOn"
)

var allStates = []State{
	StateUnknown, StateResetting, StateUnsupported,
	StateUnauthorized, StatePoweredOff, StatePoweredOn,
}

// ParseState converts a state name (case-insensitive) to a State.
func ParseState(s string) (State, error) {
	for _, st := range allStates {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: %q", device.ErrUnknownAdapterState, s)
}

// FromCoreBluetooth maps a CBManagerState raw value to a State.
func FromCoreBluetooth(raw int) (State, error) {
	switch raw {
	case 0:
		return StateUnknown, nil
	case 1:
		return StateResetting, nil
	case 2:
		return StateUnsupported, nil
	case 3:
		return StateUnauthorized, nil
	case 4:
		return StatePoweredOff, nil
	case 5:
		return StatePoweredOn, nil
	default:
		return StateUnknown, fmt.Errorf("%w: raw value %d", device.ErrUnknownAdapterState, raw)
	}
}

// Ready reports whether scans and connections may proceed.
func (s State) Ready() bool {
	return s == StatePoweredOn
}

// Transient reports whether the state is expected to settle on its own.
func (s State) Transient() bool {
	return s == StateUnknown || s == StateResetting
}

// Err maps a non-ready state to the error taxonomy. It returns nil for
// poweredOn.
func (s State) Err() error {
	switch s {
	case StatePoweredOn:
		return nil
	case StatePoweredOff:
		return device.ErrBluetoothOff
	case StateUnauthorized:
		return device.ErrUnauthorized
	case StateUnsupported:
		return device.ErrUnsupported
	case StateUnknown, StateResetting:
		return device.ErrBluetoothUnavailable
	default:
		return device.ErrUnknownAdapterState
	}
}

// coreBluetoothState extracts the raw manager state from a darwin error
// such as "central manager has invalid state: have=4 want=5".
var coreBluetoothState = regexp.MustCompile(`invalid state: have=(\d+)`)

// FromError infers the adapter state from a radio stack error. Errors that
// do not describe the adapter map to StateUnknown.
func FromError(err error) State {
	if err == nil {
		return StateUnknown
	}
	if m := coreBluetoothState.FindStringSubmatch(err.Error()); m != nil {
		if raw, convErr := strconv.Atoi(m[1]); convErr == nil {
			if st, stErr := FromCoreBluetooth(raw); stErr == nil && !st.Ready() {
				return st
			}
		}
	}
	switch device.CodeOf(device.NormalizeError(err)) {
	case device.CodeBluetoothOff:
		return StatePoweredOff
	case device.CodeUnauthorized:
		return StateUnauthorized
	case device.CodeUnsupported:
		return StateUnsupported
	default:
		return StateUnknown
	}
}
