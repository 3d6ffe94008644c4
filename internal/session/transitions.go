package session

import "vrdiag/pkg/types"

var transitions = map[types.State]map[types.State]bool{
	types.StateReady: {
		types.StateStarted:   true,
		types.StateCancelled: true,
		types.StateExpired:   true,
	},
	types.StateStarted: {
		types.StateCompleted: true,
		types.StateFailed:    true,
		types.StateCancelled: true,
		types.StateExpired:   true,
	},
}

// CanTransition reports whether from -> to is an edge of the session lifecycle.
func CanTransition(from, to types.State) bool {
	return transitions[from][to]
}
