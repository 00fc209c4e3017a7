package session

import "errors"

// Errors crossing the session boundary. Use errors.Is to classify.
var (
	// ErrConnection is returned when a connect attempt fails.
	ErrConnection = errors.New("session: connection failed")

	// ErrDisconnected is returned by Run when an established connection drops.
	ErrDisconnected = errors.New("session: connection lost")

	// ErrNotConnected is returned by Publish outside the Connected state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSubscription is returned when the on-connect subscriptions fail.
	ErrSubscription = errors.New("session: subscription failed")
)

// State represents the session connection state.
type State uint32

// Session states. Transitions:
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//	                    |             |
//	                    +--> Failed <-+ (subscription failure)
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
