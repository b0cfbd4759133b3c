package connmgr

import "fmt"

// State is the connection state of one client session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateDisconnected: {
		StateConnecting: {},
	},
	StateConnecting: {
		StateConnected:    {},
		StateError:        {},
		StateDisconnected: {},
	},
	StateConnected: {
		StateError:        {},
		StateDisconnected: {},
	},
	StateError: {
		StateConnecting:   {},
		StateDisconnected: {},
	},
}

func ValidateTransition(from, to State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid connection state: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid connection state: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid connection transition: %s -> %s", from, to)
	}
	return nil
}
