package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// SubjectCapacity carries capacity reductions between dispatchers.
const SubjectCapacity = "ratelimit.capacity"

// RateLimiter throttles deliveries per resource. The dispatcher keys
// resources by agent id.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns ctx.Err() if ctx ends first and ErrResourceUnknown if the
	// resource has no capacity and the limiter has no default.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity configures capacity tokens per window for a resource.
	// A non-positive capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced lowers the resource's capacity after the resource
	// pushed back (e.g. answered 429). Distributed limiters also tell
	// their peers.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current state of a resource, or nil.
	GetCapacity(resource string) *Capacity

	Close() error
}

// Capacity describes the rate limit of one resource.
type Capacity struct {
	Resource string

	// Available is the number of whole tokens in the bucket.
	Available int

	// Total is the current capacity per window. It is below Original
	// while the resource recovers from a reduction.
	Total    int
	Original int

	Window time.Duration
}

// CapacityUpdate is broadcast when a dispatcher reduces a resource.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	Source      string    `json:"source"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange is called for every update received from a peer.
type OnCapacityChange func(update *CapacityUpdate)
