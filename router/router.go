// Package router is the caller-facing surface of the dispatcher.
//
// Submit validates a request, selects an agent and persists the task before
// handing it to the dispatch pool; everything that happens afterwards is
// observed by polling GetStatus or List. The task store is the source of
// truth: the router keeps only a cache of terminal views, and Recover
// rebuilds in-flight work from the store after a restart.
//
// Basic usage:
//
//	r, err := router.New(router.Config{
//		Store:    store,
//		Selector: selection.NewSelector(dir, nil),
//		Loop:     loop,
//		Pool:     dispatch.NewPool(64, nil),
//	})
//
//	resp, err := r.Submit(ctx, router.SubmitRequest{
//		TaskType:        "analyze_cost",
//		TargetAgentType: "cost",
//	})
//
//	view, err := r.GetStatus(ctx, resp.TaskID)
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/vinayprograms/taskdispatch/dispatch"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/selection"
	"github.com/vinayprograms/taskdispatch/telemetry"
	"github.com/vinayprograms/taskdispatch/tasks"
)

const (
	// DefaultCacheSize bounds the number of cached terminal views.
	DefaultCacheSize = 4096

	notifyTimeout = 5 * time.Second
)

// Config holds router dependencies. Store, Selector, Loop and Pool are
// required.
type Config struct {
	Store    *tasks.Store
	Selector *selection.Selector
	Loop     *dispatch.Loop
	Pool     *dispatch.Pool

	Limits Limits

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
	Events  dispatch.EventPublisher

	// Notifier, with Directory, tells an agent that a task it may be
	// executing was cancelled. Both are optional.
	Notifier  dispatch.CancelNotifier
	Directory registry.Directory

	// CacheSize bounds the terminal view cache. Default: DefaultCacheSize.
	CacheSize int

	Clock func() time.Time
}

// Router accepts, queries and cancels tasks.
type Router struct {
	store    *tasks.Store
	selector *selection.Selector
	loop     *dispatch.Loop
	pool     *dispatch.Pool
	limits   Limits

	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	events   dispatch.EventPublisher
	notifier dispatch.CancelNotifier
	dir      registry.Directory
	now      func() time.Time

	// terminal views only; a terminal record never changes
	cache *expirable.LRU[string, tasks.View]

	submits singleflight.Group
	closed  atomic.Bool
}

// New validates cfg and creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil || cfg.Selector == nil || cfg.Loop == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("router requires store, selector, loop and pool")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Router{
		store:    cfg.Store,
		selector: cfg.Selector,
		loop:     cfg.Loop,
		pool:     cfg.Pool,
		limits:   cfg.Limits.withDefaults(),
		log:      cfg.Logger.WithComponent("router"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		events:   cfg.Events,
		notifier: cfg.Notifier,
		dir:      cfg.Directory,
		now:      cfg.Clock,
		cache:    expirable.NewLRU[string, tasks.View](cfg.CacheSize, nil, cfg.Store.Retention()),
	}, nil
}

// Limits returns the effective submission limits.
func (r *Router) Limits() Limits {
	return r.limits
}

// Submit validates req, selects an agent, persists the task and launches
// its dispatch loop without waiting for delivery.
//
// Validation and selection failures are returned here and leave no record.
// Once a record exists, later failures are visible only as task status.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) (resp *SubmitResponse, err error) {
	if r.closed.Load() {
		return nil, derrors.New(derrors.ErrCodeUnavailable, "dispatcher is shutting down")
	}

	ctx, span := r.tracer.StartSubmitSpan(ctx, req.TaskType, req.TargetAgentType)
	var task *tasks.Task
	defer func() { r.tracer.EndSubmitSpan(span, task, err) }()

	if req.IdempotencyKey == "" {
		task, err = r.submit(ctx, req)
		if err != nil {
			return nil, err
		}
		return response(task, false), nil
	}

	// Concurrent submissions with one key share a single attempt; later ones
	// find the stored mapping.
	v, err, _ := r.submits.Do(req.IdempotencyKey, func() (interface{}, error) {
		existing, err := r.store.LookupIdempotency(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return response(existing, true), nil
		case !derrors.Is(err, derrors.ErrCodeNotFound):
			return nil, err
		}

		created, err := r.submit(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := r.store.RememberIdempotency(ctx, req.IdempotencyKey, created.ID); err != nil {
			r.log.Warn("idempotency_key_not_saved", map[string]interface{}{
				"task_id": created.ID,
				"error":   err.Error(),
			})
		}
		return response(created, false), nil
	})
	if err != nil {
		return nil, err
	}

	resp = v.(*SubmitResponse)
	if resp.Duplicate {
		r.metrics.IncSubmission(metrics.SubmitDuplicate)
	}
	task = &tasks.Task{ID: resp.TaskID, AgentID: resp.AgentID}
	return resp, nil
}

func (r *Router) submit(ctx context.Context, req SubmitRequest) (*tasks.Task, error) {
	limits, err := r.limits.validate(req)
	if err != nil {
		r.reject(req, err)
		return nil, err
	}

	agent, err := r.selector.SelectAgent(ctx, req.TargetAgentType, req.TaskType, req.AgentID)
	if err != nil {
		r.reject(req, err)
		return nil, err
	}

	now := r.now()
	task := &tasks.Task{
		ID:              uuid.NewString(),
		TaskType:        req.TaskType,
		TargetAgentType: req.TargetAgentType,
		AgentID:         agent.ID,
		Priority:        req.Priority,
		Parameters:      req.Parameters,
		Status:          tasks.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Timeout:         limits.timeout,
		MaxRetries:      limits.maxRetries,
		Metadata:        telemetry.InjectMetadata(ctx, req.Metadata),
		IdempotencyKey:  req.IdempotencyKey,
	}

	if err := r.save(ctx, task); err != nil {
		return nil, err
	}
	if err := task.Transition(tasks.StatusQueued, r.now()); err != nil {
		return nil, derrors.WrapWithCode(err, derrors.ErrCodeInternal, "queue task", derrors.WithTaskID(task.ID))
	}
	if err := r.save(ctx, task); err != nil {
		if !derrors.Is(err, derrors.ErrCodeCancellationConflict) {
			return nil, err
		}
		// Cancelled while still Pending: the record exists and is final.
		stored, getErr := r.store.Get(ctx, task.ID)
		if getErr != nil {
			return nil, err
		}
		r.metrics.IncSubmission(metrics.SubmitAccepted)
		r.log.TaskSubmitted(stored.ID, stored.TaskType, stored.AgentID)
		return stored, nil
	}

	r.metrics.IncSubmission(metrics.SubmitAccepted)
	r.log.TaskSubmitted(task.ID, task.TaskType, task.AgentID)
	r.launch(task)
	return task, nil
}

func (r *Router) reject(req SubmitRequest, err error) {
	r.metrics.IncSubmission(metrics.SubmitRejected)
	r.log.SubmissionRejected(req.TaskType, req.TargetAgentType, err)
}

func response(t *tasks.Task, duplicate bool) *SubmitResponse {
	return &SubmitResponse{
		TaskID:    t.ID,
		Status:    string(t.Status),
		AgentID:   t.AgentID,
		CreatedAt: t.CreatedAt,
		Duplicate: duplicate,
	}
}

// launch hands a persisted task to the pool. A task the pool refuses stays
// in the store and is picked up by the next Recover.
func (r *Router) launch(t *tasks.Task) bool {
	err := r.pool.Go(t.ID, func(ctx context.Context, sig *dispatch.Signal) {
		ctx = telemetry.ExtractMetadata(ctx, t.Metadata)
		final, err := r.loop.Run(ctx, t, sig)
		if err != nil {
			r.log.Warn("dispatch_interrupted", map[string]interface{}{
				"task_id": t.ID,
				"status":  string(final.Status),
				"error":   err.Error(),
			})
			return
		}
		r.remember(final)
	})
	if err != nil {
		if !errors.Is(err, dispatch.ErrDuplicate) {
			r.log.Warn("dispatch_not_launched", map[string]interface{}{
				"task_id": t.ID,
				"error":   err.Error(),
			})
		}
		return false
	}
	return true
}

func (r *Router) remember(t *tasks.Task) {
	if t.Status.IsTerminal() {
		r.cache.Add(t.ID, t.View())
	}
}

// GetStatus returns the current view of a task. Unknown ids and records
// past their retention window are NOT_FOUND.
func (r *Router) GetStatus(ctx context.Context, id string) (*tasks.View, error) {
	if view, ok := r.cache.Get(id); ok {
		if !r.expired(view) {
			return &view, nil
		}
		r.cache.Remove(id)
		return nil, derrors.TaskNotFound(id)
	}

	t, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(t)
	view := t.View()
	return &view, nil
}

func (r *Router) expired(v tasks.View) bool {
	return v.CompletedAt != nil && r.now().After(v.CompletedAt.Add(r.store.Retention()))
}

// List returns live tasks ordered by creation time. An empty status lists
// every task.
func (r *Router) List(ctx context.Context, status tasks.Status) ([]tasks.View, error) {
	if status != "" && !status.Valid() {
		return nil, derrors.Validation(fmt.Sprintf("unknown status %q", status))
	}

	found, err := r.store.List(ctx, status)
	if err != nil {
		return nil, err
	}
	views := make([]tasks.View, 0, len(found))
	for _, t := range found {
		views = append(views, t.View())
	}
	return views, nil
}

// Cancel requests cancellation of a non-terminal task.
//
// A task with a running loop is cancelled by that loop at its next
// checkpoint. An attempt already in flight runs to its reply, which is
// then discarded and the task ends Cancelled. A task no loop owns is
// cancelled here.
func (r *Router) Cancel(ctx context.Context, id string) error {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return derrors.CancellationConflict(id, string(t.Status))
	}

	if r.pool.Cancel(id) {
		r.notify(ctx, t)
		return nil
	}

	release, ok := r.pool.Claim(id)
	if !ok {
		// A loop took the task between the two calls.
		r.pool.Cancel(id)
		r.notify(ctx, t)
		return nil
	}
	defer release()

	t, err = r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return derrors.CancellationConflict(id, string(t.Status))
	}

	if err := t.Transition(tasks.StatusCancelled, r.now()); err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInternal, "cancel task", derrors.WithTaskID(id))
	}
	if err := r.save(ctx, t); err != nil {
		return err
	}
	r.metrics.IncFinished(string(t.Status))
	r.log.TaskFinished(t.ID, string(t.Status), t.RetryCount)
	r.remember(t)
	return nil
}

// notify asks the agent to abandon a task whose attempt may be in flight.
func (r *Router) notify(ctx context.Context, t *tasks.Task) {
	if r.notifier == nil || r.dir == nil || t.Status != tasks.StatusSent {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	agent, err := r.dir.Get(ctx, t.AgentID)
	if err == nil {
		err = r.notifier.NotifyCancel(ctx, *agent, t)
	}
	if err != nil {
		r.log.Warn("cancel_notify_failed", map[string]interface{}{
			"task_id":  t.ID,
			"agent_id": t.AgentID,
			"error":    err.Error(),
		})
	}
}

// Recover relaunches every non-terminal task in the store that no loop
// owns. It is meant to run once at startup, before Submit traffic, and
// returns the number of tasks relaunched.
func (r *Router) Recover(ctx context.Context) (int, error) {
	found, err := r.store.List(ctx, "")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range found {
		if t.Status.IsTerminal() {
			r.remember(t)
			continue
		}
		if r.launch(t) {
			n++
			r.log.Info("task_recovered", map[string]interface{}{
				"task_id":     t.ID,
				"status":      string(t.Status),
				"retry_count": t.RetryCount,
			})
		}
	}
	return n, nil
}

// Close stops accepting submissions and waits for running loops until ctx
// ends. Loops still running then are stopped and left for Recover.
func (r *Router) Close(ctx context.Context) error {
	r.closed.Store(true)
	return r.pool.Close(ctx)
}

// save persists t and announces the change.
func (r *Router) save(ctx context.Context, t *tasks.Task) error {
	if err := r.store.Save(ctx, t); err != nil {
		if errors.Is(err, tasks.ErrTerminal) {
			return derrors.CancellationConflict(t.ID, "terminal")
		}
		return err
	}
	if r.events != nil {
		if err := r.events.PublishEvent(ctx, tasks.NewEvent(t)); err != nil {
			r.log.Warn("event_publish_failed", map[string]interface{}{
				"task_id": t.ID,
				"status":  string(t.Status),
				"error":   err.Error(),
			})
		}
	}
	return nil
}
