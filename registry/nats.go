package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSRegistry implements Registry using NATS JetStream KV store.
// Suitable for distributed deployments across multiple nodes.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "agent-registry"
	BucketName string

	// TTL for agent entries. Zero means no expiry. Agents must re-register
	// within this window to stay visible.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "agent-registry",
		TTL:        30 * time.Second,
		Replicas:   1,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(ctx context.Context, conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = DefaultNATSRegistryConfig().BucketName
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	}
	if cfg.TTL > 0 {
		kvCfg.TTL = cfg.TTL
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	r := &NATSRegistry{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cancel: cancel,
	}
	go r.watchKV(watchCtx)

	return r, nil
}

func (r *NATSRegistry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Register adds or updates an agent in the registry.
func (r *NATSRegistry) Register(ctx context.Context, info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}

	info.LastSeen = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent info: %w", err)
	}

	if _, err := r.kv.Put(ctx, info.ID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Deregister removes an agent from the registry.
func (r *NATSRegistry) Deregister(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if r.isClosed() {
		return ErrClosed
	}

	if _, err := r.kv.Get(ctx, id); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get from kv: %w", err)
	}

	if err := r.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// Get retrieves a specific agent by ID.
func (r *NATSRegistry) Get(ctx context.Context, id string) (*AgentInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}

	var info AgentInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return nil, fmt.Errorf("unmarshal agent info: %w", err)
	}
	return &info, nil
}

// List returns all agents matching the filter.
func (r *NATSRegistry) List(ctx context.Context, filter *Filter) ([]AgentInfo, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []AgentInfo{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []AgentInfo
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // deleted between Keys and Get
		}

		var info AgentInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			continue
		}
		if MatchesFilter(info, filter) {
			result = append(result, info)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry. The NATS connection stays open.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// watchKV monitors the KV bucket and fans changes out to watchers.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // initial values delivered
			}
			event, ok := eventFromEntry(entry)
			if !ok {
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}
			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

func eventFromEntry(entry jetstream.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var info AgentInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			return Event{}, false
		}
		if entry.Revision() == 1 {
			return Event{Type: EventAdded, Agent: info}, true
		}
		return Event{Type: EventUpdated, Agent: info}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return Event{Type: EventRemoved, Agent: AgentInfo{ID: entry.Key()}}, true
	default:
		return Event{}, false
	}
}
