package push

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of the push connection.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateOpen           State = "open"
	StateClosedRetrying State = "closed-retrying"
	StateClosedFinal    State = "closed-final"
)

// validTransitions defines allowed state transitions. Any state may
// return to idle through Disconnect.
var validTransitions = map[State][]State{
	StateIdle:           {StateConnecting},
	StateConnecting:     {StateOpen, StateClosedRetrying, StateClosedFinal},
	StateOpen:           {StateClosedRetrying, StateClosedFinal},
	StateClosedRetrying: {StateConnecting, StateClosedFinal},
	StateClosedFinal:    {StateConnecting},
}

func checkTransition(from, to State) error {
	if to == StateIdle {
		return nil
	}

	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// StateChange is published on every state transition.
type StateChange struct {
	From State
	To   State
}
