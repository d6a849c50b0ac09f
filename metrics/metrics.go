// Package metrics exposes Prometheus collectors that report dispatcher
// activity. Exporting them (an HTTP handler) is up to the embedding process.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "taskdispatch"
	subsystem = "dispatcher"
)

// Submission results.
const (
	SubmitAccepted  = "accepted"
	SubmitRejected  = "rejected"
	SubmitDuplicate = "duplicate"
)

// Attempt outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Metrics holds the dispatcher collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	submissions     *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         prometheus.Counter
	finished        *prometheus.CounterVec
	loopsActive     prometheus.Gauge
	loopsQueued     prometheus.Gauge
	agentsDead      prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus
// registry, creating it on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics constructs collectors on reg. Collectors already
// registered under the same name are reused; any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		submissions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "submissions_total",
				Help:      "Task submissions by result.",
			},
			[]string{"result"},
		)),
		attempts: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "attempts_total",
				Help:      "Delivery attempts by outcome.",
			},
			[]string{"outcome"},
		)),
		attemptDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "attempt_duration_seconds",
				Help:      "Wall time of delivery attempts.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		)),
		retries: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Attempts scheduled after a failed delivery.",
			},
		)),
		finished: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_finished_total",
				Help:      "Tasks reaching a terminal status.",
			},
			[]string{"status"},
		)),
		loopsActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "loops_active",
				Help:      "Dispatch loops currently holding a concurrency slot.",
			},
		)),
		loopsQueued: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "loops_queued",
				Help:      "Dispatch loops waiting for a concurrency slot.",
			},
		)),
		agentsDead: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "agents_presumed_dead_total",
				Help:      "Agents marked unhealthy after missing heartbeats.",
			},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncSubmission counts a submission with the given result.
func (m *Metrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// ObserveAttempt records one delivery attempt.
func (m *Metrics) ObserveAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncRetry counts a scheduled retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncFinished counts a task reaching a terminal status.
func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
}

// LoopQueued marks a loop waiting for a slot.
func (m *Metrics) LoopQueued() {
	if m == nil {
		return
	}
	m.loopsQueued.Inc()
}

// LoopStarted moves a loop from queued to active.
func (m *Metrics) LoopStarted() {
	if m == nil {
		return
	}
	m.loopsQueued.Dec()
	m.loopsActive.Inc()
}

// LoopAbandoned removes a loop that gave up waiting for a slot.
func (m *Metrics) LoopAbandoned() {
	if m == nil {
		return
	}
	m.loopsQueued.Dec()
}

// LoopFinished releases an active loop.
func (m *Metrics) LoopFinished() {
	if m == nil {
		return
	}
	m.loopsActive.Dec()
}

// IncAgentDead counts an agent marked unhealthy by the heartbeat monitor.
func (m *Metrics) IncAgentDead() {
	if m == nil {
		return
	}
	m.agentsDead.Inc()
}
