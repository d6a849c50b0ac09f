package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/ratelimit"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/remote"
	"github.com/vinayprograms/taskdispatch/state"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// recorder collects published events per task.
type recorder struct {
	mu      sync.Mutex
	events  map[string][]tasks.Status
	onEvent func(tasks.Event)
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]tasks.Status)}
}

func (r *recorder) PublishEvent(_ context.Context, ev tasks.Event) error {
	r.mu.Lock()
	r.events[ev.TaskID] = append(r.events[ev.TaskID], ev.Status)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) statuses(id string) []tasks.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tasks.Status(nil), r.events[id]...)
}

// scripted answers attempt n (1-based) with results[n-1], repeating the
// last entry once the script runs out.
type scripted struct {
	calls   atomic.Int32
	results []error
}

func (s *scripted) Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
	n := int(s.calls.Add(1))
	err := s.results[len(s.results)-1]
	if n <= len(s.results) {
		err = s.results[n-1]
	}
	if err != nil {
		return nil, err
	}
	return &tasks.Outcome{
		Result:        map[string]any{"attempt": n, "agent": agent.ID},
		ExecutionTime: 15 * time.Millisecond,
	}, nil
}

var errAgentDown = derrors.RemoteDispatch("connection refused")

type harness struct {
	store *tasks.Store
	dir   *registry.MemoryRegistry
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := state.NewMemoryStore()
	dir := registry.NewMemoryRegistry(registry.MemoryConfig{})
	t.Cleanup(func() {
		_ = dir.Close()
		_ = backend.Close()
	})
	require.NoError(t, dir.Register(context.Background(), registry.AgentInfo{
		ID:           "cost-1",
		Type:         "cost",
		Capabilities: []string{"analyze_cost"},
		Healthy:      true,
	}))
	return &harness{store: tasks.NewStore(backend), dir: dir, rec: newRecorder()}
}

func (h *harness) loop(t *testing.T, adapter remote.Adapter, backoff time.Duration) *Loop {
	t.Helper()
	l, err := NewLoop(Config{
		Store:     h.store,
		Directory: h.dir,
		Adapter:   adapter,
		Backoff:   backoff,
		Logger:    logging.Discard(),
		Events:    h.rec,
	})
	require.NoError(t, err)
	return l
}

// queued stores a task the way the router hands it to a loop.
func (h *harness) queued(t *testing.T, id string, maxRetries int) *tasks.Task {
	t.Helper()
	task := &tasks.Task{
		ID:              id,
		TaskType:        "analyze_cost",
		TargetAgentType: "cost",
		AgentID:         "cost-1",
		Status:          tasks.StatusPending,
		Timeout:         time.Second,
		MaxRetries:      maxRetries,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, task.Transition(tasks.StatusQueued, time.Now()))
	require.NoError(t, h.store.Save(context.Background(), task))
	return task
}

func assertValidPath(t *testing.T, from tasks.Status, path []tasks.Status) {
	t.Helper()
	prev := from
	for _, s := range path {
		assert.True(t, tasks.CanTransition(prev, s), "illegal transition %s -> %s in %v", prev, s, path)
		prev = s
	}
}

func TestRun_AlwaysFailingAgent(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		h := newHarness(t)
		adapter := &scripted{results: []error{errAgentDown}}
		task := h.queued(t, "t-fail", n)

		final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
		require.NoError(t, err)

		assert.Equal(t, int32(n+1), adapter.calls.Load(), "max_retries=%d", n)
		assert.Equal(t, tasks.StatusFailed, final.Status)
		assert.Equal(t, n, final.RetryCount)
		assert.Equal(t, n+1, final.Attempts)
		assert.Contains(t, final.Error, "connection refused")
		assert.NotNil(t, final.CompletedAt)

		stored, err := h.store.Get(context.Background(), "t-fail")
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusFailed, stored.Status)

		path := h.rec.statuses("t-fail")
		assertValidPath(t, tasks.StatusQueued, path)
		assert.Equal(t, tasks.StatusFailed, path[len(path)-1])
	}
}

func TestRun_FailTwiceThenSucceed(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{errAgentDown, errAgentDown, nil}}
	task := h.queued(t, "t-1", 2)

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, 3, final.Result["attempt"])
	assert.Equal(t, 15*time.Millisecond, final.ExecutionTime)
	assert.Empty(t, final.LastAttemptError)
	assert.NotNil(t, final.StartedAt)

	assert.Equal(t, []tasks.Status{
		tasks.StatusSent, tasks.StatusRetrying,
		tasks.StatusSent, tasks.StatusRetrying,
		tasks.StatusSent, tasks.StatusCompleted,
	}, h.rec.statuses("t-1"))

	view, err := h.store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, view.RetryCount)
}

func TestRun_TimeoutRecordedBeforeRetry(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	adapter := remote.AdapterFunc(func(ctx context.Context, _ registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, derrors.Timeout("agent did not reply", derrors.WithCause(ctx.Err()))
		}
		return &tasks.Outcome{Result: map[string]any{"ok": true}}, nil
	})
	task := h.queued(t, "t-slow", 1)
	task.Timeout = 20 * time.Millisecond

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, []tasks.Status{
		tasks.StatusSent, tasks.StatusTimedOut, tasks.StatusRetrying,
		tasks.StatusSent, tasks.StatusCompleted,
	}, h.rec.statuses("t-slow"))
}

func TestRun_TimeoutExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	adapter := remote.AdapterFunc(func(ctx context.Context, _ registry.AgentInfo, _ *tasks.Task) (*tasks.Outcome, error) {
		<-ctx.Done()
		return nil, derrors.Timeout("agent did not reply")
	})
	task := h.queued(t, "t-slow", 0)
	task.Timeout = 10 * time.Millisecond

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, []tasks.Status{tasks.StatusSent, tasks.StatusTimedOut, tasks.StatusFailed},
		h.rec.statuses("t-slow"))
}

func TestRun_CancelBeforeFirstAttempt(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{nil}}
	task := h.queued(t, "t-1", 2)

	sig := NewSignal()
	sig.Cancel()
	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, sig)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCancelled, final.Status)
	assert.Zero(t, adapter.calls.Load())
	assert.Empty(t, final.Error)
	assert.Equal(t, []tasks.Status{tasks.StatusCancelled}, h.rec.statuses("t-1"))
}

func TestRun_CancelInterruptsBackoff(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{errAgentDown}}
	task := h.queued(t, "t-1", 5)

	sig := NewSignal()
	h.rec.onEvent = func(ev tasks.Event) {
		if ev.Status == tasks.StatusRetrying {
			go func() {
				time.Sleep(20 * time.Millisecond)
				sig.Cancel()
			}()
		}
	}

	start := time.Now()
	final, err := h.loop(t, adapter, time.Minute).Run(context.Background(), task, sig)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, tasks.StatusCancelled, final.Status)
	assert.Equal(t, int32(1), adapter.calls.Load(), "no attempt after cancellation")
	assert.Equal(t, []tasks.Status{tasks.StatusSent, tasks.StatusRetrying, tasks.StatusCancelled},
		h.rec.statuses("t-1"))
}

func TestRun_CancelDuringAttemptTakesEffectAfterReply(t *testing.T) {
	h := newHarness(t)
	sig := NewSignal()

	t.Run("failed reply", func(t *testing.T) {
		adapter := remote.AdapterFunc(func(context.Context, registry.AgentInfo, *tasks.Task) (*tasks.Outcome, error) {
			sig.Cancel()
			return nil, errAgentDown
		})
		task := h.queued(t, "t-fail", 3)
		final, err := h.loop(t, adapter, time.Minute).Run(context.Background(), task, sig)
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusCancelled, final.Status)
		assert.Equal(t, 1, final.Attempts)
	})

	t.Run("successful reply", func(t *testing.T) {
		sig := NewSignal()
		adapter := remote.AdapterFunc(func(context.Context, registry.AgentInfo, *tasks.Task) (*tasks.Outcome, error) {
			sig.Cancel()
			return &tasks.Outcome{Result: map[string]any{"done": true}}, nil
		})
		task := h.queued(t, "t-ok", 3)
		final, err := h.loop(t, adapter, time.Minute).Run(context.Background(), task, sig)
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusCancelled, final.Status)
		assert.Nil(t, final.Result)

		stored, err := h.store.Get(context.Background(), "t-ok")
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusCancelled, stored.Status)
		assert.Equal(t, []tasks.Status{tasks.StatusSent, tasks.StatusCancelled}, h.rec.statuses("t-ok"))
	})
}

func TestRun_AgentDeregistered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dir.Deregister(context.Background(), "cost-1"))
	adapter := &scripted{results: []error{nil}}
	task := h.queued(t, "t-1", 1)

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Zero(t, adapter.calls.Load())
	assert.Contains(t, final.Error, "no longer registered")
}

func TestRun_AgentRecoversBetweenAttempts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dir.SetHealthy("cost-1", false))
	adapter := &scripted{results: []error{nil}}
	task := h.queued(t, "t-1", 2)

	h.rec.onEvent = func(ev tasks.Event) {
		if ev.Status == tasks.StatusRetrying {
			_ = h.dir.SetHealthy("cost-1", true)
		}
	}

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, int32(1), adapter.calls.Load())
}

func TestRun_ShutdownDuringAttempt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	adapter := remote.AdapterFunc(func(actx context.Context, _ registry.AgentInfo, _ *tasks.Task) (*tasks.Outcome, error) {
		cancel()
		<-actx.Done()
		return nil, derrors.Wrap(actx.Err(), "request failed")
	})
	task := h.queued(t, "t-1", 3)

	_, err := h.loop(t, adapter, time.Millisecond).Run(ctx, task, nil)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := h.store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSent, stored.Status, "outcome unknown, left for recovery")
}

func TestRun_ResumesInterruptedAttempt(t *testing.T) {
	h := newHarness(t)
	task := h.queued(t, "t-1", 1)
	require.NoError(t, task.Transition(tasks.StatusSent, time.Now()))
	task.Attempts = 1
	require.NoError(t, h.store.Save(context.Background(), task))

	adapter := &scripted{results: []error{nil}}
	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, []tasks.Status{tasks.StatusRetrying, tasks.StatusSent, tasks.StatusCompleted},
		h.rec.statuses("t-1"))
}

func TestRun_InterruptedWithoutBudgetFails(t *testing.T) {
	h := newHarness(t)
	task := h.queued(t, "t-1", 0)
	require.NoError(t, task.Transition(tasks.StatusSent, time.Now()))
	task.Attempts = 1
	require.NoError(t, h.store.Save(context.Background(), task))

	adapter := &scripted{results: []error{nil}}
	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Contains(t, final.Error, InterruptedMessage)
	assert.Zero(t, adapter.calls.Load())
}

func TestRun_PendingAndTerminalEntry(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{nil}}
	l := h.loop(t, adapter, time.Millisecond)

	pending := &tasks.Task{
		ID: "t-p", TaskType: "analyze_cost", TargetAgentType: "cost", AgentID: "cost-1",
		Status: tasks.StatusPending, Timeout: time.Second, CreatedAt: time.Now(),
	}
	require.NoError(t, h.store.Save(context.Background(), pending))

	final, err := l.Run(context.Background(), pending, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, []tasks.Status{tasks.StatusQueued, tasks.StatusSent, tasks.StatusCompleted},
		h.rec.statuses("t-p"))

	again, err := l.Run(context.Background(), final, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, again.Status)
	assert.Equal(t, int32(1), adapter.calls.Load())
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t)
	task := h.queued(t, "t-1", 0)

	_, err := h.loop(t, &scripted{results: []error{nil}}, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusQueued, task.Status)
}

func TestRun_AdapterPanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	adapter := remote.AdapterFunc(func(context.Context, registry.AgentInfo, *tasks.Task) (*tasks.Outcome, error) {
		panic("adapter bug")
	})
	task := h.queued(t, "t-1", 0)

	final, err := h.loop(t, adapter, time.Millisecond).Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "adapter bug")
}

type failingPublisher struct{}

func (failingPublisher) PublishEvent(context.Context, tasks.Event) error {
	return errors.New("bus down")
}

func TestRun_EventFailuresDoNotAffectTask(t *testing.T) {
	h := newHarness(t)
	l, err := NewLoop(Config{
		Store:     h.store,
		Directory: h.dir,
		Adapter:   &scripted{results: []error{nil}},
		Backoff:   time.Millisecond,
		Logger:    logging.Discard(),
		Events:    failingPublisher{},
	})
	require.NoError(t, err)

	final, err := l.Run(context.Background(), h.queued(t, "t-1", 0), nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
}

func (h *harness) limitedLoop(t *testing.T, adapter remote.Adapter, limiter ratelimit.RateLimiter) *Loop {
	t.Helper()
	l, err := NewLoop(Config{
		Store:     h.store,
		Directory: h.dir,
		Adapter:   adapter,
		Backoff:   time.Millisecond,
		Logger:    logging.Discard(),
		Events:    h.rec,
		Limiter:   limiter,
	})
	require.NoError(t, err)
	return l
}

func TestRun_CancelWhileThrottled(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{nil}}
	task := h.queued(t, "t-1", 2)

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	limiter.SetCapacity("cost-1", 1, time.Hour)
	require.True(t, limiter.TryAcquire("cost-1"))

	sig := NewSignal()
	go func() {
		time.Sleep(20 * time.Millisecond)
		sig.Cancel()
	}()
	final, err := h.limitedLoop(t, adapter, limiter).Run(context.Background(), task, sig)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCancelled, final.Status)
	assert.Zero(t, adapter.calls.Load())
	assert.Zero(t, final.Attempts)
}

func TestRun_TooManyRequestsReducesRate(t *testing.T) {
	h := newHarness(t)
	tooMany := derrors.RemoteDispatch("agent returned status 429", derrors.WithMetadata("http_status", "429"))
	adapter := &scripted{results: []error{tooMany, nil}}
	task := h.queued(t, "t-1", 2)

	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithDefault(10, time.Millisecond))
	defer limiter.Close()

	final, err := h.limitedLoop(t, adapter, limiter).Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, final.Status)
	c := limiter.GetCapacity("cost-1")
	require.NotNil(t, c)
	assert.Equal(t, 5, c.Total)
	assert.Equal(t, 10, c.Original)
}

func TestRun_OtherFailuresKeepRate(t *testing.T) {
	h := newHarness(t)
	adapter := &scripted{results: []error{errAgentDown, nil}}
	task := h.queued(t, "t-1", 2)

	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithDefault(10, time.Millisecond))
	defer limiter.Close()

	final, err := h.limitedLoop(t, adapter, limiter).Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, 10, limiter.GetCapacity("cost-1").Total)
}

// flakyBackend fails Puts of completed records while failCompleted is
// positive (negative fails them forever).
type flakyBackend struct {
	state.Store
	failCompleted atomic.Int32
	failed        atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (b *flakyBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if bytes.Contains(value, []byte(`"status":"completed"`)) {
		n := b.failCompleted.Load()
		if n < 0 || (n > 0 && b.failCompleted.CompareAndSwap(n, n-1)) {
			b.failed.Add(1)
			return errStoreDown
		}
	}
	return b.Store.Put(ctx, key, value, ttl)
}

func newFlakyLoop(t *testing.T, h *harness, backend *flakyBackend, adapter remote.Adapter) *Loop {
	t.Helper()
	h.store = tasks.NewStore(backend)
	l, err := NewLoop(Config{
		Store:     h.store,
		Directory: h.dir,
		Adapter:   adapter,
		Backoff:   time.Millisecond,
		Logger:    logging.Discard(),
		Events:    h.rec,
		PersistBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	require.NoError(t, err)
	return l
}

func TestRun_StoreWriteRetried(t *testing.T) {
	h := newHarness(t)
	backend := &flakyBackend{Store: state.NewMemoryStore()}
	backend.failCompleted.Store(1)
	l := newFlakyLoop(t, h, backend, &scripted{results: []error{nil}})
	task := h.queued(t, "t-1", 0)

	final, err := l.Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, int32(1), backend.failed.Load())

	stored, err := h.store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.Result)
}

func TestRun_UnstorableResultFailsAttempt(t *testing.T) {
	h := newHarness(t)
	backend := &flakyBackend{Store: state.NewMemoryStore()}
	backend.failCompleted.Store(-1)
	adapter := &scripted{results: []error{nil}}
	l := newFlakyLoop(t, h, backend, adapter)
	task := h.queued(t, "t-1", 1)

	final, err := l.Run(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, int32(2), adapter.calls.Load())
	assert.Contains(t, final.Error, "result not stored")
	assert.Nil(t, final.Result)

	stored, err := h.store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, stored.Status, "no record is left in flight")
	assertValidPath(t, tasks.StatusQueued, h.rec.statuses("t-1"))
}

func TestNewLoop_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := NewLoop(Config{})
	assert.Error(t, err)

	_, err = NewLoop(Config{Store: h.store, Directory: h.dir, Adapter: &scripted{}, Backoff: -time.Second})
	assert.Error(t, err)

	l, err := NewLoop(Config{Store: h.store, Directory: h.dir, Adapter: &scripted{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultBackoff, l.backoff)
}
