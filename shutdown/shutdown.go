package shutdown

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyShutdown is returned by Shutdown after the first call.
var ErrAlreadyShutdown = errors.New("shutdown already initiated")

// Teardown phases of the dispatcher. Lower phases run first.
const (
	// PhaseIntake stops new work arriving: bus request servers and the
	// heartbeat monitor.
	PhaseIntake = 10

	// PhaseDispatch drains the router and its running loops.
	PhaseDispatch = 20

	// PhaseStorage closes the task store and the registry.
	PhaseStorage = 30

	// PhaseTransport closes the bus connection the storage backends may
	// have shared.
	PhaseTransport = 40

	// PhaseTelemetry flushes tracing and event exporters.
	PhaseTelemetry = 50
)

// Handler is implemented by components that need graceful shutdown. The
// context ends when the drain timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts a Close method to Handler.
func Closer(close func() error) Handler {
	return HandlerFunc(func(context.Context) error { return close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}
