package main

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskdispatch/agent"
	"github.com/vinayprograms/taskdispatch/config"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/service"
	"github.com/vinayprograms/taskdispatch/tasks"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams(`{"account":"acme","months":3}`, []string{
		"region=eu-west-1",
		"months=6",
		"detailed=true",
		"note=a=b",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", params["account"])
	assert.Equal(t, "eu-west-1", params["region"])
	assert.Equal(t, 6.0, params["months"], "pairs override the JSON object")
	assert.Equal(t, true, params["detailed"])
	assert.Equal(t, "a=b", params["note"])

	_, err = parseParams("", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams("[1]", nil)
	assert.Error(t, err)
}

func TestSubmitOptions_Request(t *testing.T) {
	so := &submitOptions{taskType: "analyze_cost", agentType: "cost", retries: 0, timeout: 5}

	req, err := so.request(false)
	require.NoError(t, err)
	assert.Nil(t, req.MaxRetries, "unset retries use the dispatcher default")

	req, err = so.request(true)
	require.NoError(t, err)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 0, *req.MaxRetries)
	assert.Equal(t, 5.0, req.TimeoutSeconds)
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "submit", "status", "list", "cancel"})
}

func costAgent(t *testing.T, failures int) *httptest.Server {
	t.Helper()
	mux := agent.NewMux()
	var calls atomic.Int32
	mux.RegisterFunc("analyze_cost", func(_ context.Context, req *tasks.Request) (map[string]any, error) {
		if int(calls.Add(1)) <= failures {
			return nil, assert.AnError
		}
		return map[string]any{"account": req.Parameters["account"], "savings": 120.5}, nil
	})
	srv := httptest.NewServer(agent.NewHTTPServer(mux, agent.HTTPConfig{AgentID: "cost-1", Logger: logging.Discard()}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestDispatcher(t *testing.T, agentURL string) *dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatcher.Backoff = 10 * time.Millisecond
	cfg.RateLimit.Capacity = 100
	cfg.Registry.Agents = []config.AgentConfig{{
		ID:           "cost-1",
		Type:         "cost",
		Capabilities: []string{"analyze_cost"},
		Address:      agentURL,
	}}
	require.NoError(t, cfg.Validate())

	reg := prometheus.NewRegistry()
	d, err := newDispatcher(context.Background(), cfg, logging.Discard(), reg, reg)
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.coord.Shutdown(ctx)
	})
	return d
}

func TestDispatcher_EndToEnd(t *testing.T) {
	srv := costAgent(t, 2)
	d := newTestDispatcher(t, srv.URL)
	client := service.NewClient(d.bus, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Submit(ctx, router.SubmitRequest{
		TaskType:        "analyze_cost",
		TargetAgentType: "cost",
		Parameters:      map[string]any{"account": "acme"},
		TimeoutSeconds:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, "cost-1", resp.AgentID)

	view, err := waitTerminal(ctx, client, resp.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, view.Status)
	assert.Equal(t, 2, view.RetryCount)
	assert.Equal(t, 120.5, view.Result["savings"])

	views, err := client.List(ctx, tasks.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, resp.TaskID, views[0].TaskID)

	err = client.Cancel(ctx, resp.TaskID)
	assert.True(t, derrors.Is(err, derrors.ErrCodeCancellationConflict))
}

func TestDispatcher_NoAgentForType(t *testing.T) {
	srv := costAgent(t, 0)
	d := newTestDispatcher(t, srv.URL)
	client := service.NewClient(d.bus, time.Second)

	_, err := client.Submit(context.Background(), router.SubmitRequest{
		TaskType:        "scan_ports",
		TargetAgentType: "security",
	})
	assert.True(t, derrors.Is(err, derrors.ErrCodeNoAvailableAgent))
}

func TestDispatcher_ShutdownStopsIntake(t *testing.T) {
	srv := costAgent(t, 0)
	d := newTestDispatcher(t, srv.URL)
	client := service.NewClient(d.bus, 200*time.Millisecond)

	require.NoError(t, d.coord.Shutdown(context.Background()))
	res := d.coord.Result()
	require.NotNil(t, res)
	assert.Empty(t, res.FailedHandlers())

	_, err := client.GetStatus(context.Background(), "t-1")
	assert.Error(t, err, "the bus is closed after shutdown")
}
