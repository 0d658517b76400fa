package dailyx

import "fmt"

type edge struct {
	// human edges are only taken by an explicit escalation action.
	human bool
}

// transitions is the complete status graph. Anything absent is rejected.
var transitions = map[Status]map[Status]edge{
	StatusGenerated: {
		StatusPending:   {},
		StatusCancelled: {},
		StatusArchived:  {},
	},
	StatusPending: {
		StatusInProgress: {},
		StatusCancelled:  {},
		StatusEscalated:  {human: true},
		StatusArchived:   {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusEscalated: {human: true},
		StatusArchived:  {},
	},
	StatusFailed: {
		StatusPending:   {}, // automatic retry
		StatusEscalated: {},
		StatusArchived:  {},
	},
	StatusCompleted: {StatusArchived: {}},
	StatusCancelled: {StatusArchived: {}},
	StatusEscalated: {StatusArchived: {}},
}

// IsTerminal reports whether no further work will happen on a task in s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusEscalated, StatusArchived:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is on the graph for a normal
// (non-human) actor.
func CanTransition(from, to Status) bool {
	return checkTransition(from, to, false) == nil
}

// checkTransition validates a move. Terminal statuses only lead to
// archival, which only the Archiver performs, so every other move out of
// them fails.
func checkTransition(from, to Status, human bool) error {
	next, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e, ok := next[to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if e.human && !human {
		return fmt.Errorf("%w: %s -> %s requires human escalation", ErrInvalidTransition, from, to)
	}
	return nil
}
