package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskdispatch/bus"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// stubDispatcher serves canned answers keyed by task id.
type stubDispatcher struct {
	submitted []router.SubmitRequest
	views     map[string]tasks.View
}

func (s *stubDispatcher) Submit(_ context.Context, req router.SubmitRequest) (*router.SubmitResponse, error) {
	if req.TargetAgentType == "ghost" {
		return nil, derrors.NoAvailableAgent(req.TargetAgentType, req.TaskType)
	}
	s.submitted = append(s.submitted, req)
	return &router.SubmitResponse{
		TaskID:    "t-1",
		Status:    string(tasks.StatusQueued),
		AgentID:   "cost-1",
		CreatedAt: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	}, nil
}

func (s *stubDispatcher) GetStatus(_ context.Context, id string) (*tasks.View, error) {
	v, ok := s.views[id]
	if !ok {
		return nil, derrors.TaskNotFound(id)
	}
	return &v, nil
}

func (s *stubDispatcher) List(_ context.Context, status tasks.Status) ([]tasks.View, error) {
	var out []tasks.View
	for _, v := range s.views {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *stubDispatcher) Cancel(_ context.Context, id string) error {
	v, ok := s.views[id]
	if !ok {
		return derrors.TaskNotFound(id)
	}
	if v.Status.IsTerminal() {
		return derrors.CancellationConflict(id, string(v.Status))
	}
	return nil
}

func setup(t *testing.T) (*Client, *stubDispatcher, bus.MessageBus) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	d := &stubDispatcher{views: map[string]tasks.View{
		"done": {TaskID: "done", Status: tasks.StatusCompleted, Result: map[string]any{"savings": 10.0}},
		"busy": {TaskID: "busy", Status: tasks.StatusSent},
	}}
	srv := NewServer(b, d, logging.Discard())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = srv.Close()
		_ = b.Close()
	})
	return NewClient(b, time.Second), d, b
}

func TestClient_Submit(t *testing.T) {
	c, d, _ := setup(t)

	retries := 2
	resp, err := c.Submit(context.Background(), router.SubmitRequest{
		TaskType:        "analyze_cost",
		TargetAgentType: "cost",
		Parameters:      map[string]any{"account": "acme"},
		TimeoutSeconds:  5,
		MaxRetries:      &retries,
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", resp.TaskID)
	assert.Equal(t, "cost-1", resp.AgentID)

	require.Len(t, d.submitted, 1)
	require.NotNil(t, d.submitted[0].MaxRetries)
	assert.Equal(t, 2, *d.submitted[0].MaxRetries)
	assert.Equal(t, "acme", d.submitted[0].Parameters["account"])
}

func TestClient_ErrorsKeepTheirCode(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, router.SubmitRequest{TaskType: "analyze_cost", TargetAgentType: "ghost"})
	assert.True(t, derrors.Is(err, derrors.ErrCodeNoAvailableAgent), "got %v", err)

	_, err = c.GetStatus(ctx, "missing")
	assert.True(t, derrors.Is(err, derrors.ErrCodeNotFound))

	err = c.Cancel(ctx, "done")
	assert.True(t, derrors.Is(err, derrors.ErrCodeCancellationConflict))
	assert.False(t, derrors.IsRetryable(err))
}

func TestClient_StatusListCancel(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	view, err := c.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, view.Status)
	assert.Equal(t, 10.0, view.Result["savings"])

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sent, err := c.List(ctx, tasks.StatusSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "busy", sent[0].TaskID)

	none, err := c.List(ctx, tasks.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, none)

	ack, err := c.CancelWithMessage(ctx, "busy")
	require.NoError(t, err)
	assert.Contains(t, ack.Message, "busy")
}

func TestClient_NoDispatcher(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	_, err := NewClient(b, 0).GetStatus(context.Background(), "t-1")
	assert.True(t, derrors.Is(err, derrors.ErrCodeUnavailable))
}

func TestServer_MalformedRequest(t *testing.T) {
	_, _, b := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.Request(ctx, SubjectStatus, []byte("{"))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, derrors.ErrCodeInvalidInput, env.Error.Code())
	assert.Empty(t, env.Data)
}
