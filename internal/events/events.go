// Package events defines the tagged records the manager publishes to its
// consumer and the channel they travel on.
package events

import (
	"encoding/json"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/device"
)

// Kind names an event for the consumer transport.
type Kind string

const (
	KindScanState       Kind = "scanState"
	KindDeviceBatch     Kind = "deviceBatch"
	KindAdapterState    Kind = "adapterState"
	KindConnectionState Kind = "connectionState"
)

// Event is any record published by the manager.
type Event interface {
	Kind() Kind
}

// Emitter delivers events to the consumer.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// ScanReason explains a scan state change.
type ScanReason string

const (
	ScanStarted              ScanReason = "started"
	ScanStopped              ScanReason = "stopped"
	ScanTimeout              ScanReason = "timeout"
	ScanWaitingForPoweredOn  ScanReason = "waitingForPoweredOn"
	ScanBluetoothUnavailable ScanReason = "bluetoothUnavailable"
	ScanAlreadyScanning      ScanReason = "alreadyScanning"
)

type ScanState struct {
	IsScanning bool       `json:"isScanning"`
	Reason     ScanReason `json:"reason"`
}

func (ScanState) Kind() Kind { return KindScanState }

// DeviceBatch is one throttled diff of the visible device list.
type DeviceBatch struct {
	Updated []device.Snapshot `json:"updated"`
	Removed []string          `json:"removed"`
}

func (DeviceBatch) Kind() Kind { return KindDeviceBatch }

type AdapterState struct {
	State adapter.State `json:"state"`
}

func (AdapterState) Kind() Kind { return KindAdapterState }

// Reason explains a connection state transition.
type Reason string

const (
	ReasonUserRequested          Reason = "userRequested"
	ReasonAutoReconnect          Reason = "autoReconnect"
	ReasonAutoConnectOnLaunch    Reason = "autoConnectOnLaunch"
	ReasonAlreadyConnected       Reason = "alreadyConnected"
	ReasonConnected              Reason = "connected"
	ReasonVerified               Reason = "verified"
	ReasonConnectFailed          Reason = "connectFailed"
	ReasonVerificationTimeout    Reason = "verificationTimeout"
	ReasonVerificationFailed     Reason = "verificationFailed"
	ReasonPeripheralDisconnected Reason = "peripheralDisconnected"
	ReasonUserDisconnected       Reason = "userDisconnected"
	ReasonAdapterUnavailable     Reason = "adapterUnavailable"
	ReasonMaxRetriesExceeded     Reason = "maxRetriesExceeded"
)

// ConnectionState reports a lifecycle transition of one device.
type ConnectionState struct {
	DeviceID    string           `json:"deviceId"`
	State       device.ConnState `json:"state"`
	Error       string           `json:"error,omitempty"`
	Reason      Reason           `json:"reason,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	MaxAttempts int              `json:"maxAttempts,omitempty"`
	NextDelayMs int64            `json:"nextDelayMs,omitempty"`
	TimestampMs int64            `json:"timestampMs"`
}

func (ConnectionState) Kind() Kind { return KindConnectionState }

// Envelope pairs an event with its name for transports that carry
// "named event with a payload".
type Envelope struct {
	Name    Kind  `json:"name"`
	Payload Event `json:"payload"`
}

// Marshal encodes e as an Envelope.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Name: e.Kind(), Payload: e})
}
