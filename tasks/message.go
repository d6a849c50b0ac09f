package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the body delivered to an agent for one attempt.
type Request struct {
	TaskID         string            `json:"task_id"`
	TaskType       string            `json:"task_type"`
	Parameters     map[string]any    `json:"parameters"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Priority       int               `json:"priority"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewRequest builds the delivery request for a task. Fractional timeouts
// round down, so the agent's deadline never outlasts the attempt's, except
// that sub-second timeouts become one second so agents never see zero.
func NewRequest(t *Task) *Request {
	secs := int(t.Timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	params := t.Parameters
	if params == nil {
		params = map[string]any{}
	}
	md := make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		md[k] = v
	}
	return &Request{
		TaskID:         t.ID,
		TaskType:       t.TaskType,
		Parameters:     cloneMap(params),
		TimeoutSeconds: secs,
		Priority:       t.Priority,
		Metadata:       md,
	}
}

// Validate checks the fields an agent needs.
func (r *Request) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if r.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalidTask)
	}
	if r.Parameters == nil {
		r.Parameters = map[string]any{}
	}
	return nil
}

// Timeout returns the attempt deadline as a duration.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ResponseStatus is the outcome an agent reports.
type ResponseStatus string

const (
	ResponseCompleted ResponseStatus = "completed"
	ResponseFailed    ResponseStatus = "failed"
)

// Response is the agent's reply to a Request.
type Response struct {
	TaskID          string         `json:"task_id"`
	Status          ResponseStatus `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// UnmarshalResponse decodes and checks an agent reply.
func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Status != ResponseCompleted && r.Status != ResponseFailed {
		return nil, fmt.Errorf("unknown response status %q", r.Status)
	}
	return &r, nil
}

// Outcome is a successful delivery as seen by the dispatch loop.
type Outcome struct {
	Result        map[string]any
	ExecutionTime time.Duration
}

// Event announces a persisted status change.
type Event struct {
	TaskID     string    `json:"task_id"`
	TaskType   string    `json:"task_type"`
	AgentID    string    `json:"agent_id"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent snapshots the task's current status as an event.
func NewEvent(t *Task) Event {
	e := Event{
		TaskID:     t.ID,
		TaskType:   t.TaskType,
		AgentID:    t.AgentID,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Attempt:    t.Attempts,
		Timestamp:  t.UpdatedAt,
	}
	if t.Status.IsTerminal() {
		e.Error = t.Error
	} else {
		e.Error = t.LastAttemptError
	}
	return e
}
