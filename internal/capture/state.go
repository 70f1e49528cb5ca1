package capture

import (
	"errors"
	"fmt"
)

// State represents the recording lifecycle state of a session.
type State int

const (
	// StateIdle - No input held, ready to begin.
	StateIdle State = iota
	// StateRequesting - Waiting for the device to grant an input stream.
	StateRequesting
	// StateRecording - Encoder running, frames are admitted.
	StateRecording
	// StateStopping - Encoder stopped, draining the batch before release.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateRecording:
		return "RECORDING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrInvalidTransition is returned for a move the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions lists the legal moves.
//
//	IDLE → REQUESTING → RECORDING → STOPPING → IDLE
//	           │
//	           └── acquisition or encoder failure ──→ IDLE
var transitions = map[State][]State{
	StateIdle:       {StateRequesting},
	StateRequesting: {StateRecording, StateIdle},
	StateRecording:  {StateStopping},
	StateStopping:   {StateIdle},
}

// Lifecycle is the recording state machine. It is owned by the session
// event loop and not safe for concurrent use.
type Lifecycle struct {
	state State
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// CanTransition reports whether moving to the given state is legal.
func (l *Lifecycle) CanTransition(to State) bool {
	for _, s := range transitions[l.state] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the given state or returns ErrInvalidTransition,
// leaving the state unchanged.
func (l *Lifecycle) Transition(to State) error {
	if !l.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", l.state, to, ErrInvalidTransition)
	}
	l.state = to
	return nil
}
