package emrauth

import "errors"

// FlowState is the position of one interactive authorization attempt.
type FlowState string

const (
	FlowIdle                   FlowState = "idle"
	FlowAuthorizationRequested FlowState = "authorization_requested"
	FlowCallbackReceived       FlowState = "callback_received"
	FlowTokenExchanged         FlowState = "token_exchanged"
	FlowAuthenticated          FlowState = "authenticated"
	FlowFailed                 FlowState = "failed"
)

var flowTransitions = map[FlowState][]FlowState{
	FlowIdle:                   {FlowAuthorizationRequested},
	FlowAuthorizationRequested: {FlowCallbackReceived, FlowFailed},
	FlowCallbackReceived:       {FlowTokenExchanged, FlowFailed},
	FlowTokenExchanged:         {FlowAuthenticated},
}

// Terminal reports whether no further transition is possible. A failed
// attempt never resumes; a retry starts a new attempt from FlowIdle.
func (s FlowState) Terminal() bool {
	return s == FlowAuthenticated || s == FlowFailed
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to FlowState) bool {
	for _, next := range flowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AttemptError is returned by a callback that ended its attempt. State is
// the attempt's terminal state.
type AttemptError struct {
	State FlowState
	Err   error
}

func (e *AttemptError) Error() string { return e.Err.Error() }

func (e *AttemptError) Unwrap() error { return e.Err }

// AttemptStateOf returns the attempt state recorded on err, or "" if none.
func AttemptStateOf(err error) FlowState {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.State
	}
	return ""
}
