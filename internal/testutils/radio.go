//go:build test

package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/radio"
)

// MockRadio records every request the manager issues. Requests succeed by
// default; FailNext makes the next call of one method fail.
type MockRadio struct {
	mock.Mock
	Known []radio.Peripheral
}

var _ radio.Radio = (*MockRadio)(nil)

// NewMockRadio returns a radio that accepts every request.
func NewMockRadio() *MockRadio {
	r := &MockRadio{}
	for _, method := range []string{"StartScanning", "StopScanning", "Close"} {
		r.On(method).Return(nil).Maybe()
	}
	for _, method := range []string{"Connect", "CancelConnection", "DiscoverServices", "DiscoverCharacteristics", "ReadRSSI"} {
		r.On(method, mock.Anything).Return(nil).Maybe()
	}
	r.On("Start", mock.Anything, mock.Anything).Return(nil).Maybe()
	r.On("RetrieveKnownPeripherals", mock.Anything).Return().Maybe()
	return r
}

// FailNext makes the next call to method return err. It takes precedence
// over the permissive defaults.
func (r *MockRadio) FailNext(method string, err error) {
	var call *mock.Call
	switch method {
	case "StartScanning", "StopScanning", "Close":
		call = r.On(method)
	case "Start":
		call = r.On(method, mock.Anything, mock.Anything)
	default:
		call = r.On(method, mock.Anything)
	}
	call.Return(err).Once()

	// First match wins, so move the new expectation to the front.
	calls := r.ExpectedCalls
	last := calls[len(calls)-1]
	copy(calls[1:], calls[:len(calls)-1])
	calls[0] = last
}

// Listener returns the listener bound by the last Start call, or nil.
func (r *MockRadio) Listener() radio.Listener {
	for i := len(r.Calls) - 1; i >= 0; i-- {
		if r.Calls[i].Method == "Start" {
			l, _ := r.Calls[i].Arguments.Get(1).(radio.Listener)
			return l
		}
	}
	return nil
}

// CallsTo returns the handle ids passed to method, in call order.
func (r *MockRadio) CallsTo(method string) []string {
	var ids []string
	for _, c := range r.Calls {
		if c.Method != method || len(c.Arguments) == 0 {
			continue
		}
		if h, ok := c.Arguments.Get(0).(device.Handle); ok {
			ids = append(ids, h.ID())
		}
	}
	return ids
}

// CountOf returns how many times method was called.
func (r *MockRadio) CountOf(method string) int {
	n := 0
	for _, c := range r.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls but keeps expectations.
func (r *MockRadio) ResetCalls() {
	r.Calls = nil
}

func (r *MockRadio) Start(ctx context.Context, l radio.Listener) error {
	return r.Called(ctx, l).Error(0)
}

func (r *MockRadio) StartScanning() error {
	return r.Called().Error(0)
}

func (r *MockRadio) StopScanning() error {
	return r.Called().Error(0)
}

func (r *MockRadio) Connect(h device.Handle) error {
	return r.Called(h).Error(0)
}

func (r *MockRadio) CancelConnection(h device.Handle) error {
	return r.Called(h).Error(0)
}

func (r *MockRadio) DiscoverServices(h device.Handle) error {
	return r.Called(h).Error(0)
}

func (r *MockRadio) DiscoverCharacteristics(h device.Handle) error {
	return r.Called(h).Error(0)
}

func (r *MockRadio) ReadRSSI(h device.Handle) error {
	return r.Called(h).Error(0)
}

func (r *MockRadio) RetrieveKnownPeripherals(ids []string) []radio.Peripheral {
	r.Called(ids)
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []radio.Peripheral
	for _, p := range r.Known {
		if wanted[p.Handle.ID()] {
			out = append(out, p)
		}
	}
	return out
}

func (r *MockRadio) Close() error {
	return r.Called().Error(0)
}
