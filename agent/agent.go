// Package agent implements the agent side of the task delivery contract.
//
// An agent receives a tasks.Request, runs the work for its task type within
// timeout_seconds and answers with a tasks.Response. The package ships an
// HTTP server (POST /tasks) and a message bus server (agents.<id>.tasks);
// both run the same Handler through Execute.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// Handler executes a task and returns its result document.
type Handler interface {
	Handle(ctx context.Context, req *tasks.Request) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *tasks.Request) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *tasks.Request) (map[string]any, error) {
	return f(ctx, req)
}

// Mux dispatches requests to handlers by task type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register installs h for taskType, replacing any earlier handler.
func (m *Mux) Register(taskType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = h
}

// RegisterFunc installs a function for taskType.
func (m *Mux) RegisterFunc(taskType string, fn func(ctx context.Context, req *tasks.Request) (map[string]any, error)) {
	m.Register(taskType, HandlerFunc(fn))
}

// Capabilities lists the registered task types, sorted.
func (m *Mux) Capabilities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	caps := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		caps = append(caps, t)
	}
	sort.Strings(caps)
	return caps
}

// Handle implements Handler.
func (m *Mux) Handle(ctx context.Context, req *tasks.Request) (map[string]any, error) {
	m.mu.RLock()
	h, ok := m.handlers[req.TaskType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported task type %q", req.TaskType)
	}
	return h.Handle(ctx, req)
}

// Execute runs h for req and builds the reply. The handler's context
// carries the request deadline and the dispatcher's trace context. A
// handler error or panic becomes a failed reply.
func Execute(ctx context.Context, h Handler, req *tasks.Request) *tasks.Response {
	start := time.Now()
	resp := &tasks.Response{TaskID: req.TaskID}

	if err := req.Validate(); err != nil {
		resp.Status = tasks.ResponseFailed
		resp.Error = err.Error()
		return resp
	}

	ctx = telemetry.ExtractMetadata(ctx, req.Metadata)
	if d := req.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	result, err := run(ctx, h, req)
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		resp.Status = tasks.ResponseFailed
		resp.Error = err.Error()
		return resp
	}
	resp.Status = tasks.ResponseCompleted
	resp.Result = result
	return resp
}

func run(ctx context.Context, h Handler, req *tasks.Request) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, derrors.RecoverPanic(r)
		}
	}()
	return h.Handle(ctx, req)
}
