package subscription

// transitions is the canonical table of valid status transitions.
// StatusExpired is terminal: no transition leaves it, and no transition
// re-enters StatusTrialing from any other state.
var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled, StatusExpired},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusExpired},
	StatusCanceled: {StatusExpired},
	StatusExpired:  {},
}

// IsValidTransition reports whether moving from one status to the other is
// allowed by the transition table. It is a pure function; callers must treat
// a false result as "log and skip", never as a fault that aborts the
// surrounding transaction.
func IsValidTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the given status.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
