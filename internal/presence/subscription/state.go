package subscription

import "fmt"

// State is the lifecycle state of a Subscription
type State int

const (
	// StatePending is set while the initial SUBSCRIBE is in flight
	StatePending State = iota
	// StateActive means the dialog is established and the expiry timer armed
	StateActive
	// StateTornDown is terminal
	StateTornDown
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StatePending:  {StateActive, StateTornDown},
	StateActive:   {StateTornDown},
	StateTornDown: {}, // Terminal state, no transitions allowed
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

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateTornDown
}

// EndReason explains why a subscription was torn down
type EndReason int

const (
	ReasonNone EndReason = iota
	// ReasonUnregistered means the binding was removed or expired at the registrar
	ReasonUnregistered
	// ReasonExpired means no renewal arrived before the expiry timer fired
	ReasonExpired
	// ReasonRemoteTeardown means the peer ended the dialog
	ReasonRemoteTeardown
	// ReasonRefreshFailed means an in-dialog SUBSCRIBE was rejected or timed out
	ReasonRefreshFailed
	// ReasonSubscribeFailed means the initial SUBSCRIBE was rejected or timed out
	ReasonSubscribeFailed
	// ReasonTerminated means a NOTIFY announced the end of the subscription
	ReasonTerminated
	// ReasonReplaced means a newer subscription for the same registration was stored
	ReasonReplaced
	// ReasonManual means an operator removed the subscription
	ReasonManual
	// ReasonShutdown means the process is stopping
	ReasonShutdown
)

// String returns the string representation of the reason
func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnregistered:
		return "unregistered"
	case ReasonExpired:
		return "expired"
	case ReasonRemoteTeardown:
		return "remote_teardown"
	case ReasonRefreshFailed:
		return "refresh_failed"
	case ReasonSubscribeFailed:
		return "subscribe_failed"
	case ReasonTerminated:
		return "terminated"
	case ReasonReplaced:
		return "replaced"
	case ReasonManual:
		return "manual"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}
