package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// Adapter delivers one attempt of a task to an agent and waits for the
// reply. The caller bounds the attempt with ctx's deadline.
//
// Every transport failure, undecodable reply or agent-reported failure is
// returned as REMOTE_DISPATCH. A missed deadline is returned as TIMEOUT.
type Adapter interface {
	Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error)

func (f AdapterFunc) Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
	return f(ctx, agent, task)
}

// maxReplySize bounds an agent reply. The result is stored inside the task
// record, and a NATS KV value (1 MiB by default) carries the record
// base64-encoded in an envelope, so replies stay well under 3/4 of that.
const maxReplySize = 512 << 10

// buildRequest serializes task for delivery, carrying the caller's trace
// context in the metadata.
func buildRequest(ctx context.Context, task *tasks.Task) *tasks.Request {
	req := tasks.NewRequest(task)
	req.Metadata = telemetry.InjectMetadata(ctx, req.Metadata)
	return req
}

// decodeReply turns an agent reply body into an outcome.
func decodeReply(task *tasks.Task, agent registry.AgentInfo, body []byte) (*tasks.Outcome, error) {
	if len(body) > maxReplySize {
		return nil, derrors.RemoteDispatch(
			fmt.Sprintf("agent reply exceeds %d bytes", maxReplySize),
			derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}
	resp, err := tasks.UnmarshalResponse(body)
	if err != nil {
		return nil, derrors.RemoteDispatch("undecodable agent reply",
			derrors.WithCause(err), derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}
	if resp.TaskID != "" && resp.TaskID != task.ID {
		return nil, derrors.RemoteDispatch(
			fmt.Sprintf("agent replied for task %s", resp.TaskID),
			derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}
	if resp.Status == tasks.ResponseFailed {
		msg := resp.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return nil, derrors.RemoteDispatch(msg,
			derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID))
	}
	return &tasks.Outcome{
		Result:        resp.Result,
		ExecutionTime: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	}, nil
}

// classify maps a transport error to the dispatch taxonomy. A deadline on
// ctx wins over whatever the transport reported.
func classify(ctx context.Context, err error, task *tasks.Task, agent registry.AgentInfo, what string) error {
	opts := []derrors.Option{derrors.WithTaskID(task.ID), derrors.WithAgentID(agent.ID)}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return derrors.Timeout(
			fmt.Sprintf("agent %s did not reply within %s", agent.ID, task.Timeout),
			append(opts, derrors.WithCause(err))...)
	case errors.Is(err, context.Canceled):
		return derrors.Wrap(err, what, opts...)
	}
	return derrors.RemoteDispatch(what, append(opts, derrors.WithCause(err))...)
}

// WithTracing wraps an adapter so every attempt is recorded as a span.
func WithTracing(a Adapter, tracer *telemetry.Tracer) Adapter {
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	return &tracingAdapter{adapter: a, tracer: tracer}
}

type tracingAdapter struct {
	adapter Adapter
	tracer  *telemetry.Tracer
}

func (t *tracingAdapter) Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
	ctx, span := t.tracer.StartDispatchSpan(ctx, task, agent.ID, task.Attempts)

	out, err := t.adapter.Deliver(ctx, agent, task)

	opts := telemetry.DispatchSpanOptions{Outcome: "completed"}
	if out != nil {
		opts.ExecutionTime = out.ExecutionTime
		opts.Result = out.Result
	}
	if err != nil {
		opts.Outcome = "failed"
		if derrors.Is(err, derrors.ErrCodeTimeout) {
			opts.Outcome = "timed_out"
		}
	}
	t.tracer.EndDispatchSpan(span, opts, err)
	return out, err
}
