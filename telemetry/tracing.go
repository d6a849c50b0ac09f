// OpenTelemetry tracing support for task dispatch.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/taskdispatch/tasks"
)

// Tracer wraps OpenTelemetry tracing with dispatch-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include task parameters and results in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name on the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer on an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Submit Spans ---

// StartSubmitSpan starts the span covering one Submit call.
func (t *Tracer) StartSubmitSpan(ctx context.Context, taskType, agentType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch.submit", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("task.type", taskType),
		attribute.String("task.target_agent_type", agentType),
	)
	return ctx, span
}

// EndSubmitSpan records the created task (nil when rejected) and ends the span.
func (t *Tracer) EndSubmitSpan(span trace.Span, task *tasks.Task, err error) {
	if task != nil {
		span.SetAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("agent.id", task.AgentID),
			attribute.Int("task.max_retries", task.MaxRetries),
		)
	}
	finish(span, err)
}

// --- Dispatch Spans ---

// DispatchSpanOptions contains options for delivery attempt spans.
type DispatchSpanOptions struct {
	Outcome       string // completed, failed, timed_out
	ExecutionTime time.Duration
	Result        map[string]any // Only included if debug=true
}

// StartDispatchSpan starts a span for one delivery attempt.
func (t *Tracer) StartDispatchSpan(ctx context.Context, task *tasks.Task, agentID string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch.attempt", trace.WithSpanKind(trace.SpanKindClient))
	attrs := []attribute.KeyValue{
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.TaskType),
		attribute.String("agent.id", agentID),
		attribute.Int("dispatch.attempt", attempt),
		attribute.Int("task.retry_count", task.RetryCount),
		attribute.Int64("task.timeout_ms", task.Timeout.Milliseconds()),
	}
	if t.debug {
		for k, v := range task.Parameters {
			attrs = append(attrs, attribute.String("task.param."+k, truncateAny(v, 500)))
		}
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// EndDispatchSpan ends a delivery attempt span.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	if opts.Outcome != "" {
		span.SetAttributes(attribute.String("dispatch.outcome", opts.Outcome))
	}
	if opts.ExecutionTime > 0 {
		span.SetAttributes(attribute.Int64("dispatch.execution_time_ms", opts.ExecutionTime.Milliseconds()))
	}
	if t.debug && len(opts.Result) > 0 {
		span.SetAttributes(attribute.String("dispatch.result", truncateAny(opts.Result, 4000)))
	}
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectMetadata returns a copy of md with the W3C trace context of ctx
// added. md itself is never modified.
func InjectMetadata(ctx context.Context, md map[string]string) map[string]string {
	out := make(MapCarrier, len(md)+2)
	for k, v := range md {
		out[k] = v
	}
	propagator().Inject(ctx, out)
	return out
}

// ExtractMetadata continues the trace carried in task metadata.
func ExtractMetadata(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return propagator().Extract(ctx, MapCarrier(md))
}

// propagator falls back to W3C trace context when no global propagator was
// installed; the otel default is a no-op.
func propagator() propagation.TextMapPropagator {
	p := otel.GetTextMapPropagator()
	if len(p.Fields()) == 0 {
		return propagation.TraceContext{}
	}
	return p
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return truncate(string(data), maxLen)
}
