package device

// ConnState is the connection lifecycle state of one peripheral.
type ConnState string

const (
	StateIdle                ConnState = "idle"
	StateConnecting          ConnState = "connecting"
	StateConnectedUnverified ConnState = "connectedUnverified"
	StateConnectedVerified   ConnState = "connectedVerified"
	StateDisconnecting       ConnState = "disconnecting"
	StateDisconnected        ConnState = "disconnected"
	StateFailed              ConnState = "failed"
)

// Active reports whether the state belongs to an in-progress or established
// connection. Records in an active state are never evicted.
func (s ConnState) Active() bool {
	switch s {
	case StateConnecting, StateConnectedUnverified, StateConnectedVerified, StateDisconnecting:
		return true
	default:
		return false
	}
}

// Connected reports whether the radio link is believed to be up.
func (s ConnState) Connected() bool {
	return s == StateConnectedUnverified || s == StateConnectedVerified
}

// Terminal reports whether the state ends a connection cycle.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// NameSource records which raw name produced the display name.
type NameSource string

const (
	NameSourceNone                 NameSource = ""
	NameSourceAdvertisement        NameSource = "advertisement"
	NameSourcePeripheral           NameSource = "peripheral"
	NameSourceResolvedAfterConnect NameSource = "resolvedAfterConnect"
)
