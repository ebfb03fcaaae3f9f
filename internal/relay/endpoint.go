package relay

// ConnState describes the lifecycle of a single relay connection
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	// StateAuthenticating is entered between the websocket handshake and a
	// successful NIP-42 AUTH exchange, when the pool has an auth handler.
	StateAuthenticating
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Endpoint is a snapshot of a relay's connection state
type Endpoint struct {
	URL   string
	State ConnState
}
