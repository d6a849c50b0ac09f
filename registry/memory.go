package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentInfo
	watchers []chan Event
	closed   bool
	done     chan struct{}

	// TTL for stale entry detection. Zero means no expiry.
	ttl time.Duration
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before an agent is considered stale.
	// Zero means entries never expire.
	TTL time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		agents: make(map[string]AgentInfo),
		done:   make(chan struct{}),
		ttl:    cfg.TTL,
	}
	if cfg.TTL > 0 {
		go r.cleanupLoop()
	}
	return r
}

// Register adds or updates an agent in the registry.
func (r *MemoryRegistry) Register(ctx context.Context, info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	info.LastSeen = time.Now()
	info.Capabilities = append([]string(nil), info.Capabilities...)

	_, exists := r.agents[info.ID]
	r.agents[info.ID] = info

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: info})
	return nil
}

// Deregister removes an agent from the registry.
func (r *MemoryRegistry) Deregister(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})
	return nil
}

// Get retrieves a specific agent by ID.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*AgentInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists || r.stale(agent, time.Now()) {
		return nil, ErrNotFound
	}
	return &agent, nil
}

// List returns all agents matching the filter.
func (r *MemoryRegistry) List(ctx context.Context, filter *Filter) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	now := time.Now()
	for _, agent := range r.agents {
		if r.stale(agent, now) {
			continue
		}
		if MatchesFilter(agent, filter) {
			result = append(result, agent)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// SetHealthy flips the health flag of a registered agent.
func (r *MemoryRegistry) SetHealthy(id string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}
	agent.Healthy = healthy
	agent.LastSeen = time.Now()
	r.agents[id] = agent
	r.notifyWatchers(Event{Type: EventUpdated, Agent: agent})
	return nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

func (r *MemoryRegistry) stale(agent AgentInfo, now time.Time) bool {
	return r.ttl > 0 && now.Sub(agent.LastSeen) > r.ttl
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		now := time.Now()
		for id, agent := range r.agents {
			if r.stale(agent, now) {
				delete(r.agents, id)
				r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})
			}
		}
		r.mu.Unlock()
	}
}
