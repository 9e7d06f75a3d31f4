package session

// State is the lifecycle state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
