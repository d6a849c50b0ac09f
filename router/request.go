package router

import (
	"fmt"
	"math"
	"time"

	derrors "github.com/vinayprograms/taskdispatch/errors"
)

// Limits bound what a submission may ask for. A zero Limits means
// DefaultLimits.
type Limits struct {
	// MaxTimeout caps the per-attempt timeout. Default: 1h.
	MaxTimeout time.Duration

	// DefaultTimeout applies when a submission names none. Default: 30s.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies when a submission names none.
	DefaultMaxRetries int

	// MaxRetriesCap caps max_retries. Default: 10.
	MaxRetriesCap int
}

// DefaultLimits returns the limits used for zero fields.
func DefaultLimits() Limits {
	return Limits{
		MaxTimeout:        time.Hour,
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
		MaxRetriesCap:     10,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l == (Limits{}) {
		return d
	}
	if l.MaxTimeout <= 0 {
		l.MaxTimeout = d.MaxTimeout
	}
	if l.DefaultTimeout <= 0 {
		l.DefaultTimeout = d.DefaultTimeout
	}
	if l.DefaultTimeout > l.MaxTimeout {
		l.DefaultTimeout = l.MaxTimeout
	}
	if l.DefaultMaxRetries < 0 {
		l.DefaultMaxRetries = 0
	}
	if l.MaxRetriesCap <= 0 {
		l.MaxRetriesCap = d.MaxRetriesCap
	}
	if l.DefaultMaxRetries > l.MaxRetriesCap {
		l.DefaultMaxRetries = l.MaxRetriesCap
	}
	return l
}

// SubmitRequest is a caller's request to run a task.
type SubmitRequest struct {
	TaskType        string `json:"task_type"`
	TargetAgentType string `json:"target_agent_type"`

	// AgentID pins the task to one agent, bypassing selection.
	AgentID string `json:"agent_id,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`

	// TimeoutSeconds bounds each delivery attempt. Zero means the default.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	// MaxRetries is the retry ceiling. Nil means the default; zero is a
	// valid single-attempt request.
	MaxRetries *int `json:"max_retries,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey makes resubmission of the same request return the
	// task created first.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitResponse describes an accepted task.
type SubmitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`

	// Duplicate is set when an idempotency key matched an earlier task.
	Duplicate bool `json:"duplicate,omitempty"`
}

// resolved holds a validated request's effective timeout and retry ceiling.
type resolved struct {
	timeout    time.Duration
	maxRetries int
}

func (l Limits) validate(req SubmitRequest) (resolved, error) {
	var out resolved

	switch {
	case req.TaskType == "":
		return out, derrors.Validation("task_type is required")
	case req.TargetAgentType == "":
		return out, derrors.Validation("target_agent_type is required")
	case req.TimeoutSeconds < 0 || math.IsNaN(req.TimeoutSeconds) || math.IsInf(req.TimeoutSeconds, 0):
		return out, derrors.Validation("timeout_seconds must be positive")
	}

	out.timeout = l.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		if req.TimeoutSeconds > l.MaxTimeout.Seconds() {
			return out, derrors.Validation(fmt.Sprintf("timeout_seconds must not exceed %g", l.MaxTimeout.Seconds()),
				derrors.WithMetadata("max_timeout_seconds", fmt.Sprintf("%g", l.MaxTimeout.Seconds())))
		}
		out.timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
		if out.timeout <= 0 {
			return out, derrors.Validation("timeout_seconds must be positive")
		}
	}

	out.maxRetries = l.DefaultMaxRetries
	if req.MaxRetries != nil {
		switch {
		case *req.MaxRetries < 0:
			return out, derrors.Validation("max_retries must not be negative")
		case *req.MaxRetries > l.MaxRetriesCap:
			return out, derrors.Validation(fmt.Sprintf("max_retries must not exceed %d", l.MaxRetriesCap))
		}
		out.maxRetries = *req.MaxRetries
	}
	return out, nil
}
