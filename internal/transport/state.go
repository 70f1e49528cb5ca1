package transport

import "fmt"

// State represents the lifecycle state of the connection.
type State int

const (
	// StateConnecting - Dial in progress.
	StateConnecting State = iota
	// StateOpen - Connection established, sends are accepted.
	StateOpen
	// StateClosed - Closed by either side or by a network error. Terminal.
	StateClosed
	// StateFailed - Dial failed. Terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further transition is possible.
// There is no reconnection.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition reports whether from -> to is a legal move.
//
//	CONNECTING → OPEN → CLOSED
//	    │
//	    └──→ FAILED
func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateOpen || to == StateFailed || to == StateClosed
	case StateOpen:
		return to == StateClosed
	default:
		return false
	}
}

// Event is delivered to the connection owner in arrival order.
type Event interface {
	isEvent()
}

// StateChanged reports a connection state transition.
type StateChanged struct {
	State State
	Err   error // cause of Failed or an abnormal Closed
}

// Fragment is one inbound transcript text message.
type Fragment struct {
	Text string
}

func (StateChanged) isEvent() {}
func (Fragment) isEvent()     {}
