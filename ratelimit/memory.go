package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reduction and recovery defaults.
const (
	DefaultReduceFactor     = 0.5
	DefaultRecoveryFactor   = 1.25
	DefaultRecoveryInterval = 30 * time.Second
)

// bucket wraps the resource's rate.Limiter with the capacity bookkeeping
// reductions need. The limiter refills capacity tokens per window and
// holds at most capacity.
type bucket struct {
	lim       *rate.Limiter
	capacity  int
	original  int
	window    time.Duration
	reducedAt time.Time
}

func perWindow(capacity int, window time.Duration) rate.Limit {
	return rate.Limit(float64(capacity) / window.Seconds())
}

// regrow raises a reduced capacity by factor, at most once per interval,
// until it is back at the original.
func (b *bucket) regrow(now time.Time, factor float64, interval time.Duration) {
	if b.capacity >= b.original || now.Sub(b.reducedAt) < interval {
		return
	}
	next := int(math.Ceil(float64(b.capacity) * factor))
	if next <= b.capacity {
		next = b.capacity + 1
	}
	if next > b.original {
		next = b.original
	}
	b.setCapacity(now, next)
	b.reducedAt = now
}

// reduce scales the capacity down by factor, never below one, and returns
// the new capacity.
func (b *bucket) reduce(now time.Time, factor float64) int {
	next := int(float64(b.capacity) * factor)
	if next < 1 {
		next = 1
	}
	b.setCapacity(now, next)
	b.reducedAt = now
	return next
}

func (b *bucket) setCapacity(now time.Time, capacity int) {
	b.capacity = capacity
	b.lim.SetLimitAt(now, perWindow(capacity, b.window))
	b.lim.SetBurstAt(now, capacity)
}

// available reports whole tokens at now, clamped to the capacity.
func (b *bucket) available(now time.Time) int {
	tokens := b.lim.TokensAt(now)
	switch {
	case tokens < 0:
		return 0
	case tokens > float64(b.capacity):
		return b.capacity
	}
	return int(tokens)
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithDefault gives every resource without an explicit capacity a bucket
// of capacity tokens per window on first use.
func WithDefault(capacity int, window time.Duration) MemoryOption {
	return func(m *MemoryLimiter) {
		m.defCapacity = capacity
		m.defWindow = window
	}
}

// WithReduceFactor sets the multiplier applied by AnnounceReduced (0-1).
func WithReduceFactor(f float64) MemoryOption {
	return func(m *MemoryLimiter) {
		if f > 0 && f < 1 {
			m.reduceFactor = f
		}
	}
}

// WithRecovery sets how fast a reduced capacity grows back.
func WithRecovery(factor float64, interval time.Duration) MemoryOption {
	return func(m *MemoryLimiter) {
		if factor > 1 {
			m.recoveryFactor = factor
		}
		if interval > 0 {
			m.recoveryInterval = interval
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) {
		m.now = now
	}
}

// MemoryLimiter provides local rate limiting with one rate.Limiter per
// resource.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}

	defCapacity      int
	defWindow        time.Duration
	reduceFactor     float64
	recoveryFactor   float64
	recoveryInterval time.Duration
	now              func() time.Time
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		buckets:          make(map[string]*bucket),
		done:             make(chan struct{}),
		reduceFactor:     DefaultReduceFactor,
		recoveryFactor:   DefaultRecoveryFactor,
		recoveryInterval: DefaultRecoveryInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCapacity configures the rate limit for a resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}
	if b, ok := m.buckets[resource]; ok {
		b.original = capacity
		b.window = window
		b.setCapacity(m.now(), capacity)
		return
	}
	m.buckets[resource] = m.newBucket(capacity, window)
}

func (m *MemoryLimiter) newBucket(capacity int, window time.Duration) *bucket {
	lim := rate.NewLimiter(perWindow(capacity, window), capacity)
	// Start full at the limiter's clock rather than the wall clock.
	lim.SetBurstAt(m.now(), capacity)
	return &bucket{
		lim:      lim,
		capacity: capacity,
		original: capacity,
		window:   window,
	}
}

// lookup returns the resource's bucket, creating it from the default when
// one is configured. Callers hold m.mu.
func (m *MemoryLimiter) lookup(resource string) *bucket {
	b, ok := m.buckets[resource]
	if ok {
		b.regrow(m.now(), m.recoveryFactor, m.recoveryInterval)
		return b
	}
	if m.defCapacity <= 0 || m.defWindow <= 0 {
		return nil
	}
	b = m.newBucket(m.defCapacity, m.defWindow)
	m.buckets[resource] = b
	return b
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b = m.lookup(resource)
	return &Capacity{
		Resource:  resource,
		Available: b.available(m.now()),
		Total:     b.capacity,
		Original:  b.original,
		Window:    b.window,
	}
}

// limiter returns the resource's rate.Limiter.
func (m *MemoryLimiter) limiter(resource string) (*rate.Limiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	b := m.lookup(resource)
	if b == nil {
		return nil, ErrResourceUnknown
	}
	return b.lim, nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	lim, err := m.limiter(resource)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := lim.Wait(waitCtx); err != nil {
		select {
		case <-m.done:
			return ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait refuses up front when the token is due after the deadline.
		if _, ok := ctx.Deadline(); ok {
			return context.DeadlineExceeded
		}
		return err
	}
	return nil
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	b := m.lookup(resource)
	return b != nil && b.lim.AllowN(m.now(), 1)
}

// AnnounceReduced scales the resource's capacity down locally.
func (m *MemoryLimiter) AnnounceReduced(resource string, _ string) {
	m.reduce(resource)
}

func (m *MemoryLimiter) reduce(resource string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, false
	}
	b := m.lookup(resource)
	if b == nil {
		return 0, false
	}
	return b.reduce(m.now(), m.reduceFactor), true
}

// lower applies a capacity reported by a peer if it is below the local
// one. Returns true when it changed anything.
func (m *MemoryLimiter) lower(resource string, capacity int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || capacity < 1 {
		return false
	}
	b := m.lookup(resource)
	if b == nil || capacity >= b.capacity {
		return false
	}
	now := m.now()
	b.setCapacity(now, capacity)
	b.reducedAt = now
	return true
}

// Close shuts down the limiter and wakes blocked Acquire calls.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
