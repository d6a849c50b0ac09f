package tasks

import (
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	// ErrInvalidTransition indicates a status change outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal indicates an attempt to overwrite a terminal record.
	ErrTerminal = errors.New("task is terminal")

	// ErrInvalidTask indicates the task is missing required fields.
	ErrInvalidTask = errors.New("invalid task")
)

// Task is the unit of work routed to an agent.
type Task struct {
	ID              string `json:"id"`
	TaskType        string `json:"task_type"`
	TargetAgentType string `json:"target_agent_type"`

	// AgentID is the pinned or selected agent.
	AgentID string `json:"agent_id"`

	// Priority is informational; it is forwarded to the agent.
	Priority int `json:"priority"`

	Parameters map[string]any `json:"parameters,omitempty"`
	Status     Status         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	// LastAttemptError is the failure of the most recent attempt, kept
	// while the task is still being retried.
	LastAttemptError string `json:"last_attempt_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `json:"timeout"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Attempts counts delivery attempts started.
	Attempts int `json:"attempts"`

	// ExecutionTime is the agent-reported duration of the successful attempt.
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Validate checks required fields.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case t.TaskType == "":
		return fmt.Errorf("%w: task_type is required", ErrInvalidTask)
	case t.TargetAgentType == "":
		return fmt.Errorf("%w: target_agent_type is required", ErrInvalidTask)
	case t.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidTask)
	case t.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
	case !t.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	return nil
}

// Transition moves the task to the given status, stamping the timestamps
// the lifecycle requires. It refuses edges outside the lifecycle graph.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	if to == StatusSent && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if to.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// RetriesLeft reports whether another attempt fits in the retry budget.
func (t *Task) RetriesLeft() bool {
	return t.RetryCount < t.MaxRetries
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t

	clone.Parameters = cloneMap(t.Parameters)
	clone.Result = cloneMap(t.Result)

	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// cloneMap copies an opaque payload. Nested maps and slices are copied
// recursively; other values are shared.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// View is the caller-facing status snapshot of a task.
type View struct {
	TaskID          string         `json:"task_id"`
	TaskType        string         `json:"task_type"`
	TargetAgentType string         `json:"target_agent_type"`
	Status          Status         `json:"status"`
	AgentID         string         `json:"agent_id"`
	Priority        int            `json:"priority"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Attempts        int            `json:"attempts"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
}

// View builds the status snapshot. Result and error are only exposed once
// the task is terminal.
func (t *Task) View() View {
	v := View{
		TaskID:          t.ID,
		TaskType:        t.TaskType,
		TargetAgentType: t.TargetAgentType,
		Status:          t.Status,
		AgentID:         t.AgentID,
		Priority:        t.Priority,
		CreatedAt:       t.CreatedAt,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		Attempts:        t.Attempts,
		ExecutionTimeMs: t.ExecutionTime.Milliseconds(),
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		v.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		v.CompletedAt = &completed
	}
	if t.Status.IsTerminal() {
		v.Result = cloneMap(t.Result)
		v.Error = t.Error
	}
	return v
}
