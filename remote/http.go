package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// TasksPath is the agent endpoint that accepts task requests.
const TasksPath = "/tasks"

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	// Client is the HTTP client to use. Default: a client with no overall
	// timeout, since each attempt is bounded by its context.
	Client *http.Client

	// Headers are added to every request.
	Headers map[string]string
}

// HTTPAdapter delivers tasks by POSTing JSON to agent.Address + "/tasks".
type HTTPAdapter struct {
	client  *http.Client
	headers map[string]string
}

// NewHTTPAdapter creates an HTTP adapter.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPAdapter{client: client, headers: cfg.Headers}
}

// Deliver implements Adapter.
func (a *HTTPAdapter) Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
	if agent.Address == "" {
		return nil, derrors.RemoteDispatch(fmt.Sprintf("agent %s has no address", agent.ID),
			derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}

	body, err := json.Marshal(buildRequest(ctx, task))
	if err != nil {
		return nil, derrors.RemoteDispatch("failed to marshal request",
			derrors.WithCause(err), derrors.WithTaskID(task.ID))
	}

	url := strings.TrimSuffix(agent.Address, "/") + TasksPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, derrors.RemoteDispatch("failed to create request",
			derrors.WithCause(err), derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err, task, agent, "request failed")
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxReplySize+1))
	if err != nil {
		return nil, classify(ctx, err, task, agent, "failed to read response")
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, derrors.RemoteDispatch(
			fmt.Sprintf("agent returned status %d: %s", httpResp.StatusCode, snippet(respBody)),
			derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID),
			derrors.WithMetadata("http_status", fmt.Sprint(httpResp.StatusCode)))
	}

	return decodeReply(task, agent, respBody)
}

const snippetSize = 200

// snippet shortens an error body for a message without splitting a rune.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= snippetSize {
		return s
	}
	cut := snippetSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
