// Package ratelimit throttles task deliveries per agent.
//
// The MemoryLimiter keeps one token bucket per resource. With WithDefault,
// any resource gets a bucket on first use, which is how the dispatcher
// covers agents that register at runtime:
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithDefault(10, time.Second))
//	if err := limiter.Acquire(ctx, agentID); err != nil {
//	    return err
//	}
//
// When an agent answers 429, AnnounceReduced halves its capacity. The
// capacity grows back by DefaultRecoveryFactor every
// DefaultRecoveryInterval until it reaches the configured value.
//
// # Distributed
//
// Several dispatchers share the same agents. The DistributedLimiter
// broadcasts each reduction on SubjectCapacity and applies reductions
// from peers, so all dispatchers back off together:
//
//	limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
//	    Bus:    b,
//	    Source: "dispatcher-1",
//	}, ratelimit.NewMemoryLimiter(ratelimit.WithDefault(10, time.Second)))
//
// Buckets refill continuously at capacity/window tokens and start full.
package ratelimit
