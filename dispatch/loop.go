package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
	"github.com/vinayprograms/taskdispatch/ratelimit"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/remote"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// DefaultBackoff is the fixed delay between a failed attempt and the next.
const DefaultBackoff = 2 * time.Second

// persistTimeout bounds a store write made after the loop's context is done.
const persistTimeout = 10 * time.Second

// defaultPersistBackOff retries store writes for up to persistTimeout.
func defaultPersistBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = persistTimeout
	return b
}

// InterruptedMessage is recorded for an attempt whose outcome was lost
// because the dispatcher stopped while it was in flight.
const InterruptedMessage = "interrupted by dispatcher restart"

// Config holds loop dependencies. Store, Directory and Adapter are required.
type Config struct {
	Store     *tasks.Store
	Directory registry.Directory
	Adapter   remote.Adapter

	// Backoff is the wait between attempts. Default: DefaultBackoff.
	Backoff time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Events  EventPublisher

	// Limiter throttles attempts per agent id. Nil disables throttling.
	Limiter ratelimit.RateLimiter

	// PersistBackOff builds the retry schedule for a failed store write.
	// Default: exponential from 100ms, capped at 10s in total.
	PersistBackOff func() backoff.BackOff

	// Clock overrides time.Now for timestamps.
	Clock func() time.Time
}

// Loop drives tasks from Queued to a terminal status. A Loop is shared by
// all tasks; each Run call owns exactly one task.
type Loop struct {
	store   *tasks.Store
	dir     registry.Directory
	adapter remote.Adapter
	backoff time.Duration
	log     *logging.Logger
	metrics *metrics.Metrics
	events  EventPublisher
	limiter ratelimit.RateLimiter
	now     func() time.Time

	persistBackOff func() backoff.BackOff
}

// NewLoop validates cfg and creates a loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Store == nil || cfg.Directory == nil || cfg.Adapter == nil {
		return nil, fmt.Errorf("dispatch loop requires store, directory and adapter")
	}
	if cfg.Backoff < 0 {
		return nil, fmt.Errorf("backoff must not be negative")
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PersistBackOff == nil {
		cfg.PersistBackOff = defaultPersistBackOff
	}
	return &Loop{
		store:   cfg.Store,
		dir:     cfg.Directory,
		adapter: cfg.Adapter,
		backoff: cfg.Backoff,
		log:     cfg.Logger.WithComponent("dispatch"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
		limiter: cfg.Limiter,
		now:     cfg.Clock,

		persistBackOff: cfg.PersistBackOff,
	}, nil
}

// Run delivers task until it completes, fails for good or is cancelled
// through sig, persisting every transition before the next one. It returns
// the final state of its copy of the task.
//
// Run may be handed a task in any non-terminal status. A task found Sent or
// TimedOut lost its in-flight attempt; that attempt counts as failed.
//
// If ctx ends first, Run stops without further transitions and returns
// ctx.Err(); the stored record stays as it was so recovery can resume it.
func (l *Loop) Run(ctx context.Context, task *tasks.Task, sig *Signal) (*tasks.Task, error) {
	if sig == nil {
		sig = NewSignal()
	}
	t := task.Clone()

	switch t.Status {
	case tasks.StatusPending:
		if err := l.advance(ctx, t, tasks.StatusQueued); err != nil {
			return t, err
		}
	case tasks.StatusSent, tasks.StatusTimedOut:
		interrupted := derrors.RemoteDispatch(InterruptedMessage, derrors.WithTaskID(t.ID))
		if done, err := l.afterFailure(ctx, t, sig, interrupted); done {
			return t, err
		}
	default:
		if t.Status.IsTerminal() {
			return t, nil
		}
	}

	for {
		if sig.Cancelled() {
			return t, l.cancel(ctx, t)
		}

		agent, resolveErr := l.resolve(ctx, t)
		if resolveErr == nil {
			if err := l.throttle(ctx, sig, agent.ID); err != nil {
				if sig.Cancelled() {
					return t, l.cancel(ctx, t)
				}
				return t, err
			}
		}
		t.Attempts++
		if err := l.advance(ctx, t, tasks.StatusSent); err != nil {
			return t, err
		}
		l.log.AttemptStart(t.ID, t.AgentID, t.Attempts)

		start := time.Now()
		out, err := l.deliver(ctx, agent, resolveErr, t)
		elapsed := time.Since(start)
		l.log.AttemptResult(t.ID, t.Attempts, elapsed, err)
		l.metrics.ObserveAttempt(attemptOutcome(err), elapsed)

		// A cancel requested while the attempt was in flight wins over
		// its outcome.
		if sig.Cancelled() {
			if err != nil {
				t.LastAttemptError = err.Error()
			}
			return t, l.cancel(ctx, t)
		}

		if err == nil {
			storeErr := l.complete(ctx, t, out)
			if storeErr == nil {
				return t, nil
			}
			if !derrors.Is(storeErr, derrors.ErrCodeStorage) {
				return t, storeErr
			}
			err = derrors.Wrap(storeErr, "result not stored", derrors.WithTaskID(t.ID))
		}

		// The attempt's outcome is unknown when the dispatcher itself is
		// stopping; leave the record Sent for recovery.
		if ctx.Err() != nil {
			return t, ctx.Err()
		}

		if derrors.Is(err, derrors.ErrCodeTimeout) {
			t.LastAttemptError = err.Error()
			if err := l.advance(ctx, t, tasks.StatusTimedOut); err != nil {
				return t, err
			}
		} else {
			l.pushedBack(agent, err)
		}

		if done, err := l.afterFailure(ctx, t, sig, err); done {
			return t, err
		}
	}
}

// afterFailure records a failed attempt and either schedules the next one
// (waiting out the backoff) or fails the task. done is true when Run must
// return err.
func (l *Loop) afterFailure(ctx context.Context, t *tasks.Task, sig *Signal, cause error) (done bool, err error) {
	t.LastAttemptError = cause.Error()

	if sig.Cancelled() {
		return true, l.cancel(ctx, t)
	}

	if !t.RetriesLeft() {
		t.Error = derrors.RetriesExhausted(t.ID, t.Attempts, cause).Error()
		if err := l.advance(ctx, t, tasks.StatusFailed); err != nil {
			return true, err
		}
		l.finished(t)
		return true, nil
	}

	t.RetryCount++
	if err := l.advance(ctx, t, tasks.StatusRetrying); err != nil {
		return true, err
	}
	l.metrics.IncRetry()

	timer := time.NewTimer(l.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sig.Done():
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return false, nil
}

// resolve looks the task's agent up again for every attempt so health
// changes in the directory take effect between retries.
func (l *Loop) resolve(ctx context.Context, t *tasks.Task) (*registry.AgentInfo, error) {
	agent, err := l.dir.Get(ctx, t.AgentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, derrors.RemoteDispatch(fmt.Sprintf("agent %s is no longer registered", t.AgentID),
				derrors.WithTaskID(t.ID), derrors.WithAgentID(t.AgentID))
		}
		return nil, derrors.RemoteDispatch("agent lookup failed",
			derrors.WithCause(err), derrors.WithTaskID(t.ID), derrors.WithAgentID(t.AgentID))
	}
	if !agent.Healthy {
		return nil, derrors.RemoteDispatch(fmt.Sprintf("agent %s is unhealthy", t.AgentID),
			derrors.WithTaskID(t.ID), derrors.WithAgentID(t.AgentID))
	}
	return agent, nil
}

// throttle waits for a delivery token for agentID. The wait ends early when
// the task is cancelled.
func (l *Loop) throttle(ctx context.Context, sig *Signal, agentID string) error {
	if l.limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := l.limiter.Acquire(waitCtx, agentID)
	switch {
	case err == nil, errors.Is(err, ratelimit.ErrResourceUnknown):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case sig.Cancelled():
		return err
	default:
		return derrors.Wrap(err, "delivery throttle", derrors.WithAgentID(agentID))
	}
}

// pushedBack reduces the agent's delivery rate when it answered 429.
func (l *Loop) pushedBack(agent *registry.AgentInfo, err error) {
	if l.limiter == nil || agent == nil {
		return
	}
	de := derrors.AsDispatchError(err)
	if de == nil || de.Metadata()["http_status"] != "429" {
		return
	}
	l.limiter.AnnounceReduced(agent.ID, err.Error())
}

func (l *Loop) deliver(ctx context.Context, agent *registry.AgentInfo, resolveErr error, t *tasks.Task) (out *tasks.Outcome, err error) {
	if resolveErr != nil {
		return nil, resolveErr
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, derrors.RecoverPanic(r)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	out, err = l.adapter.Deliver(attemptCtx, *agent, t)
	if err == nil && out == nil {
		err = derrors.RemoteDispatch("empty agent reply", derrors.WithTaskID(t.ID))
	}
	return out, err
}

// complete records the agent's result. When the store keeps rejecting
// it the task is left Sent and the error is returned.
func (l *Loop) complete(ctx context.Context, t *tasks.Task, out *tasks.Outcome) error {
	t.Result = out.Result
	t.ExecutionTime = out.ExecutionTime
	t.LastAttemptError = ""
	if err := l.advance(ctx, t, tasks.StatusCompleted); err != nil {
		t.Result, t.ExecutionTime = nil, 0
		return err
	}
	l.finished(t)
	return nil
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case derrors.Is(err, derrors.ErrCodeTimeout):
		return metrics.OutcomeTimedOut
	default:
		return metrics.OutcomeFailed
	}
}

func (l *Loop) cancel(ctx context.Context, t *tasks.Task) error {
	if err := l.advance(ctx, t, tasks.StatusCancelled); err != nil {
		return err
	}
	l.finished(t)
	return nil
}

// advance applies one transition and persists it. Writes survive
// cancellation of ctx so a finished attempt is never lost on shutdown.
// Storage failures are retried; if the write never lands, t is rolled
// back to the stored state.
func (l *Loop) advance(ctx context.Context, t *tasks.Task, to tasks.Status) error {
	prev := *t
	if err := t.Transition(to, l.now()); err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInternal, "transition", derrors.WithTaskID(t.ID))
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := l.persist(saveCtx, t); err != nil {
		l.log.Error("persist_failed", map[string]interface{}{
			"task_id": t.ID,
			"status":  string(to),
			"error":   err.Error(),
		})
		*t = prev
		return err
	}
	l.publish(saveCtx, t)
	return nil
}

// persist saves t, retrying STORAGE errors on the loop's backoff schedule.
func (l *Loop) persist(ctx context.Context, t *tasks.Task) error {
	var last error
	op := func() error {
		err := l.store.Save(ctx, t)
		if err == nil {
			return nil
		}
		last = err
		if !derrors.Is(err, derrors.ErrCodeStorage) {
			return backoff.Permanent(err)
		}
		l.log.Warn("persist_retry", map[string]interface{}{
			"task_id": t.ID,
			"status":  string(t.Status),
			"error":   err.Error(),
		})
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(l.persistBackOff(), ctx)); err != nil {
		if last != nil {
			return last
		}
		return err
	}
	return nil
}

func (l *Loop) publish(ctx context.Context, t *tasks.Task) {
	if l.events == nil {
		return
	}
	if err := l.events.PublishEvent(ctx, tasks.NewEvent(t)); err != nil {
		l.log.Warn("event_publish_failed", map[string]interface{}{
			"task_id": t.ID,
			"status":  string(t.Status),
			"error":   err.Error(),
		})
	}
}

func (l *Loop) finished(t *tasks.Task) {
	l.metrics.IncFinished(string(t.Status))
	l.log.TaskFinished(t.ID, string(t.Status), t.RetryCount)
}
