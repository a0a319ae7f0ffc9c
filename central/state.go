package central

// State is the connection manager lifecycle state
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected // transient, on the way back to Idle
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
