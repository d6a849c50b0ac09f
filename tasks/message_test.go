package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	task := newTestTask("t-1")
	task.Timeout = 1500 * time.Millisecond
	task.Priority = 3

	req := NewRequest(task)
	assert.Equal(t, "t-1", req.TaskID)
	assert.Equal(t, "analyze_cost", req.TaskType)
	assert.Equal(t, 1, req.TimeoutSeconds, "rounds down")
	assert.Equal(t, 3, req.Priority)
	assert.Equal(t, "scheduler", req.Metadata["requested_by"])

	req.Parameters["account"] = "mutated"
	assert.Equal(t, "42", task.Parameters["account"])

	task.Parameters = nil
	task.Timeout = 10 * time.Millisecond
	req = NewRequest(task)
	assert.NotNil(t, req.Parameters)
	assert.Equal(t, 1, req.TimeoutSeconds, "never zero")
	assert.Equal(t, time.Second, req.Timeout())

	task.Timeout = 2999 * time.Millisecond
	assert.Equal(t, 2, NewRequest(task).TimeoutSeconds)
	task.Timeout = 3 * time.Second
	assert.Equal(t, 3, NewRequest(task).TimeoutSeconds)
}

func TestRequest_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Request{TaskType: "x"}).Validate(), ErrInvalidTask)
	assert.ErrorIs(t, (&Request{TaskID: "x"}).Validate(), ErrInvalidTask)

	r := &Request{TaskID: "t", TaskType: "x"}
	require.NoError(t, r.Validate())
	assert.NotNil(t, r.Parameters)
}

func TestUnmarshalResponse(t *testing.T) {
	r, err := UnmarshalResponse([]byte(`{"task_id":"t-1","status":"completed","result":{"savings":3},"execution_time_ms":120}`))
	require.NoError(t, err)
	assert.Equal(t, ResponseCompleted, r.Status)
	assert.Equal(t, float64(3), r.Result["savings"])
	assert.Equal(t, int64(120), r.ExecutionTimeMs)

	_, err = UnmarshalResponse([]byte(`{"task_id":"t-1","status":"done"}`))
	assert.Error(t, err)

	_, err = UnmarshalResponse([]byte(`<html>`))
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	task := newTestTask("t-1")
	task.Status = StatusRetrying
	task.RetryCount = 1
	task.Attempts = 1
	task.LastAttemptError = "agent returned 503"

	e := NewEvent(task)
	assert.Equal(t, StatusRetrying, e.Status)
	assert.Equal(t, "agent returned 503", e.Error)

	task.Status = StatusFailed
	task.Error = "task t-1 failed after 3 attempts"
	assert.Equal(t, task.Error, NewEvent(task).Error)
}
