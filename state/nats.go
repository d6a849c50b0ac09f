package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store using NATS JetStream KV.
//
// JetStream KV only supports a bucket-wide max age, so each value is wrapped
// in an envelope carrying its own deadline. Expired envelopes are treated as
// missing, deleted when a read finds them, and removed in bulk by Purge.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// MaxAge bounds the lifetime of every entry in the bucket (0 = unbounded).
	// Per-key TTLs passed to Put are enforced independently.
	MaxAge time.Duration

	// History is the number of revisions to keep per key, at most
	// jetstream.KeyValueMaxHistory.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// OpTimeout bounds each KV round trip when the caller's context has
	// no deadline. Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskdispatch-tasks",
		History:      1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

type envelope struct {
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nanos, 0 = never
	Value     []byte `json:"value"`
}

// NewNATSStore creates (or binds to) a JetStream KV bucket.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.History > jetstream.KeyValueMaxHistory {
		return nil, fmt.Errorf("history %d: %w", cfg.History, jetstream.ErrHistoryTooLarge)
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.MaxAge,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	env, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if expired(time.Now(), unixTime(env.ExpiresAt)) {
		_ = s.kv.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return env.Value, nil
}

func (s *NATSStore) load(ctx context.Context, key string) (*envelope, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", key, err)
	}
	return &env, nil
}

// Put stores a value with optional TTL.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	env := envelope{Value: value}
	if deadline := expiresAt(time.Now(), ttl); !deadline.IsZero() {
		env.ExpiresAt = deadline.UnixNano()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all live keys matching a pattern. Each candidate is read to
// check its envelope deadline.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	candidates, err := s.listKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	keys := make([]string, 0, len(candidates))
	for _, key := range candidates {
		env, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if expired(now, unixTime(env.ExpiresAt)) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Purge removes every key whose envelope deadline has passed, along with
// its history. KV itself only knows the bucket-wide TTL, so expired
// envelopes stay in the bucket until a read or a purge finds them.
func (s *NATSStore) Purge(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	candidates, err := s.listKeys(ctx, "*")
	if err != nil {
		return 0, err
	}

	var n int64
	now := time.Now()
	for _, key := range candidates {
		env, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if !expired(now, unixTime(env.ExpiresAt)) {
			continue
		}
		if err := s.kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return n, fmt.Errorf("kv purge %s: %w", key, err)
		}
		n++
	}
	return n, nil
}

func (s *NATSStore) listKeys(ctx context.Context, pattern string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close marks the store closed. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

func unixTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

var (
	_ Store  = (*NATSStore)(nil)
	_ Purger = (*NATSStore)(nil)
)
