package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/state"
)

const (
	taskPrefix        = "tasks."
	idempotencyPrefix = "idempotency."

	// DefaultRetention is how long terminal records stay queryable.
	DefaultRetention = time.Hour

	// DefaultIdempotencyTTL is how long an idempotency key maps to its task.
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Store persists task records on a state.Store, one JSON document per task
// under "tasks.<id>". Each task id has a single writer at a time (its
// dispatch loop, or the router for tasks no loop owns), so Save does not
// need a compare-and-swap.
type Store struct {
	backend        state.Store
	retention      time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention sets how long terminal records stay visible.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithIdempotencyTTL sets how long idempotency keys are remembered.
func WithIdempotencyTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.idempotencyTTL = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a task store over the given backend.
func NewStore(backend state.Store, opts ...StoreOption) *Store {
	s := &Store{
		backend:        backend,
		retention:      DefaultRetention,
		idempotencyTTL: DefaultIdempotencyTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the terminal retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

func taskKey(id string) string {
	return taskPrefix + id
}

// Save persists the task. Terminal records are written with the retention
// TTL; an already terminal stored record is never overwritten.
func (s *Store) Save(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInvalidInput, "save task", derrors.WithTaskID(t.ID))
	}

	existing, err := s.load(ctx, t.ID)
	switch {
	case err == nil && existing.Status.IsTerminal():
		return ErrTerminal
	case err != nil && !derrors.Is(err, derrors.ErrCodeNotFound):
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInternal, "encode task", derrors.WithTaskID(t.ID))
	}

	var ttl time.Duration
	if t.Status.IsTerminal() {
		ttl = s.retention
	}
	if err := s.backend.Put(ctx, taskKey(t.ID), data, ttl); err != nil {
		return derrors.Storage(err, "put task", derrors.WithTaskID(t.ID))
	}
	return nil
}

// Get loads a task. Unknown ids and terminal records past their retention
// window are reported as NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" || state.ValidateKey(taskKey(id)) != nil {
		return nil, derrors.TaskNotFound(id)
	}
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.expired(t) {
		return nil, derrors.TaskNotFound(id)
	}
	return t, nil
}

func (s *Store) load(ctx context.Context, id string) (*Task, error) {
	data, err := s.backend.Get(ctx, taskKey(id))
	if errors.Is(err, state.ErrNotFound) {
		return nil, derrors.TaskNotFound(id)
	}
	if err != nil {
		return nil, derrors.Storage(err, "get task", derrors.WithTaskID(id))
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, derrors.WrapWithCode(err, derrors.ErrCodeCorruption, "decode task", derrors.WithTaskID(id))
	}
	return &t, nil
}

func (s *Store) expired(t *Task) bool {
	if !t.Status.IsTerminal() || t.CompletedAt == nil {
		return false
	}
	return s.now().After(t.CompletedAt.Add(s.retention))
}

// List returns live tasks, optionally filtered by status, ordered by
// creation time.
func (s *Store) List(ctx context.Context, status Status) ([]*Task, error) {
	keys, err := s.backend.Keys(ctx, taskPrefix+"*")
	if err != nil {
		return nil, derrors.Storage(err, "list tasks")
	}

	result := make([]*Task, 0, len(keys))
	for _, key := range keys {
		t, err := s.Get(ctx, strings.TrimPrefix(key, taskPrefix))
		if derrors.Is(err, derrors.ErrCodeNotFound) {
			continue // expired between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		if status != "" && t.Status != status {
			continue
		}
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func idempotencyKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return idempotencyPrefix + hex.EncodeToString(sum[:])
}

// RememberIdempotency maps a caller-supplied idempotency key to a task id.
func (s *Store) RememberIdempotency(ctx context.Context, key, taskID string) error {
	if err := s.backend.Put(ctx, idempotencyKey(key), []byte(taskID), s.idempotencyTTL); err != nil {
		return derrors.Storage(err, "put idempotency key", derrors.WithTaskID(taskID))
	}
	return nil
}

// LookupIdempotency returns the live task previously submitted with key.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (*Task, error) {
	data, err := s.backend.Get(ctx, idempotencyKey(key))
	if errors.Is(err, state.ErrNotFound) {
		return nil, derrors.NotFound("idempotency key not found")
	}
	if err != nil {
		return nil, derrors.Storage(err, "get idempotency key")
	}
	return s.Get(ctx, string(data))
}
