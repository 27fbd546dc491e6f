package sipdialog

import "fmt"

// State represents the lifecycle state of a SUBSCRIBE dialog
type State int

const (
	// StateInitial is the state after the SUBSCRIBE is sent, before a 2xx
	StateInitial State = iota
	// StateConfirmed is after a 2xx, the dialog can carry in-dialog requests
	StateConfirmed
	// StateTerminated is the final state after the dialog ends
	StateTerminated
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateInitial:    {StateConfirmed, StateTerminated},
	StateConfirmed:  {StateTerminated},
	StateTerminated: {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// TerminateReason explains why a dialog was terminated
type TerminateReason int

const (
	// ReasonNone means the dialog has not terminated
	ReasonNone TerminateReason = iota
	// ReasonLocal means we destroyed the dialog
	ReasonLocal
	// ReasonRemote means the peer no longer knows the dialog (481)
	ReasonRemote
	// ReasonRejected means the initial SUBSCRIBE got a non-2xx final response
	ReasonRejected
	// ReasonError means the initial SUBSCRIBE failed at the transport
	ReasonError
)

// String returns the string representation of the termination reason
func (r TerminateReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonLocal:
		return "Local"
	case ReasonRemote:
		return "Remote"
	case ReasonRejected:
		return "Rejected"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
