package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/logging"
)

// DistributedConfig configures a distributed rate limiter.
type DistributedConfig struct {
	// Bus carries capacity updates between dispatchers.
	Bus bus.MessageBus

	// Source identifies this dispatcher in updates. Updates from the same
	// source are ignored on receipt.
	Source string

	Logger *logging.Logger

	// OnChange is called for every update applied from a peer.
	OnChange OnCapacityChange
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil || c.Source == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DistributedLimiter keeps a local token bucket per resource and shares
// capacity reductions with other dispatchers over the bus, so an agent that
// pushes back on one dispatcher is throttled by all of them.
type DistributedLimiter struct {
	config DistributedConfig
	local  *MemoryLimiter
	log    *logging.Logger

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedLimiter wraps local and subscribes to SubjectCapacity.
func NewDistributedLimiter(config DistributedConfig, local *MemoryLimiter) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if local == nil {
		local = NewMemoryLimiter()
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}

	sub, err := config.Bus.Subscribe(SubjectCapacity)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedLimiter{
		config: config,
		local:  local,
		log:    config.Logger.WithComponent("ratelimit"),
		sub:    sub,
		cancel: cancel,
	}

	d.wg.Add(1)
	go d.listenForUpdates(ctx)
	return d, nil
}

func (d *DistributedLimiter) listenForUpdates(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg)
		}
	}
}

func (d *DistributedLimiter) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		d.log.Debug("capacity_update_malformed", map[string]interface{}{"error": err.Error()})
		return
	}
	if update.Source == d.config.Source || update.Resource == "" {
		return
	}
	if !d.local.lower(update.Resource, update.NewCapacity) {
		return
	}
	d.log.Info("capacity_lowered_by_peer", map[string]interface{}{
		"resource": update.Resource,
		"capacity": update.NewCapacity,
		"source":   update.Source,
		"reason":   update.Reason,
	})
	if d.config.OnChange != nil {
		d.config.OnChange(&update)
	}
}

// SetCapacity configures the rate limit for a resource.
func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.local.SetCapacity(resource, capacity, window)
}

// GetCapacity returns the current capacity info for a resource.
func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

// Acquire blocks until a token is available for the resource.
func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

// TryAcquire attempts to acquire a token without blocking.
func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// AnnounceReduced reduces the resource locally and broadcasts the new
// capacity.
func (d *DistributedLimiter) AnnounceReduced(resource string, reason string) {
	capacity, ok := d.local.reduce(resource)
	if !ok {
		return
	}
	d.log.Warn("capacity_reduced", map[string]interface{}{
		"resource": resource,
		"capacity": capacity,
		"reason":   reason,
	})

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		Source:      d.config.Source,
		NewCapacity: capacity,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := d.config.Bus.Publish(SubjectCapacity, data); err != nil {
		d.log.Warn("capacity_update_publish_failed", map[string]interface{}{
			"resource": resource,
			"error":    err.Error(),
		})
	}
}

// Close stops listening for updates and closes the local limiter.
func (d *DistributedLimiter) Close() error {
	d.cancel()
	_ = d.sub.Unsubscribe()
	d.wg.Wait()
	return d.local.Close()
}

var _ RateLimiter = (*DistributedLimiter)(nil)
