package session

import "github.com/jholhewres/wabridge/pkg/wabridge/database"

// transitions lists the automatic state changes driven by transport events.
// DISCONNECTED and ERROR are only left through Init.
var transitions = map[database.SessionState][]database.SessionState{
	database.StatePending: {
		database.StatePending,
		database.StateActive,
		database.StateDisconnected,
	},
	database.StateActive: {
		database.StatePending,
		database.StateActive,
		database.StateDisconnected,
		database.StateError,
	},
}

// CanTransition reports whether a transport event may move a session from
// one state to another. Manual Init and Logout bypass this check.
func CanTransition(from, to database.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
