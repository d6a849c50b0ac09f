package tasks

import "fmt"

// Status represents the current state of a task.
type Status string

const (
	// StatusPending is the initial state of a freshly created record.
	StatusPending Status = "pending"

	// StatusQueued means the task has been handed to the dispatch pool.
	StatusQueued Status = "queued"

	// StatusSent means a delivery attempt is in flight.
	StatusSent Status = "sent"

	// StatusRetrying means an attempt failed and another will follow.
	StatusRetrying Status = "retrying"

	// StatusTimedOut records that the last attempt exceeded its deadline.
	// It is always followed by Retrying or Failed.
	StatusTimedOut Status = "timed_out"

	// StatusCompleted indicates the agent returned a successful result.
	StatusCompleted Status = "completed"

	// StatusFailed indicates retries were exhausted.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was cancelled on request.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusSent, StatusRetrying, StatusTimedOut,
	StatusCompleted, StatusFailed, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusSent, StatusCancelled},
	StatusSent:     {StatusCompleted, StatusRetrying, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusTimedOut: {StatusRetrying, StatusFailed, StatusCancelled},
	StatusRetrying: {StatusSent, StatusCancelled},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from → to is an edge of the task lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
