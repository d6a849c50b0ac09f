package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vinayprograms/taskdispatch/metrics"
)

// DefaultMaxConcurrent bounds how many loops deliver at once.
const DefaultMaxConcurrent = 64

// Pool errors.
var (
	ErrPoolClosed = errors.New("dispatch pool closed")
	ErrDuplicate  = errors.New("task already owned by a dispatch loop")
)

// Pool runs at most a fixed number of dispatch loops concurrently. Loops
// beyond the limit block until a slot frees up.
// A task id is owned by at most one loop (or claim) at a time.
type Pool struct {
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	owners map[string]*Signal // nil signal marks a claim
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool. maxConcurrent <= 0 means DefaultMaxConcurrent.
func NewPool(maxConcurrent int, m *metrics.Metrics) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		owners:  make(map[string]*Signal),
	}
}

// Go launches fn for task id once a slot is free. fn receives the pool's
// context, cancelled only by a forced Close, and the task's cancel signal.
func (p *Pool) Go(id string, fn func(ctx context.Context, sig *Signal)) error {
	sig := NewSignal()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, owned := p.owners[id]; owned {
		p.mu.Unlock()
		return ErrDuplicate
	}
	p.owners[id] = sig
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.LoopQueued()
	go func() {
		defer p.wg.Done()
		defer p.release(id)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.metrics.LoopAbandoned()
			return
		}
		p.metrics.LoopStarted()
		defer func() {
			p.sem.Release(1)
			p.metrics.LoopFinished()
		}()

		fn(p.ctx, sig)
	}()
	return nil
}

// Claim marks id as owned without running anything, so a caller can write
// the task record without racing a loop. The returned func ends the claim.
func (p *Pool) Claim(id string) (release func(), ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, owned := p.owners[id]; owned {
		return nil, false
	}
	p.owners[id] = nil
	return func() { p.release(id) }, true
}

// Cancel fires the cancel signal of the loop owning id. It reports whether
// id is owned at all; a claimed id is owned but has no loop to signal.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	sig, owned := p.owners[id]
	p.mu.Unlock()
	if sig != nil {
		sig.Cancel()
	}
	return owned
}

// Owns reports whether a loop or claim holds id.
func (p *Pool) Owns(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, owned := p.owners[id]
	return owned
}

// Len returns how many ids are owned, queued loops included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners)
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.owners, id)
	p.mu.Unlock()
}

// Close stops accepting loops and waits for running ones to finish. If ctx
// ends first, the loops' context is cancelled, Close waits for them to
// return, and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
