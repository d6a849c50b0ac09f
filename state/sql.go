package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStoreConfig holds SQL store configuration.
type SQLStoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	// DSN is the driver-specific data source name. For sqlite this is a
	// file path or "file::memory:?cache=shared".
	DSN string

	// Table is the table holding entries. Default: "kv_entries".
	Table string
}

// SQLStore implements Store on a relational database. Entries live in a
// single table keyed by entry_key; expires_at holds unix nanoseconds with
// 0 meaning no expiry.
type SQLStore struct {
	db     *sqlx.DB
	table  string
	closed atomic.Bool
}

// NewSQLStore opens the database, verifies connectivity and creates the
// entries table when missing.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql dsn required")
	}
	if cfg.Table == "" {
		cfg.Table = "kv_entries"
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &SQLStore{db: db, table: cfg.Table}
	if err := s.initSchema(ctx, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context, driver string) error {
	blob := "BLOB"
	if driver == DriverPostgres {
		blob = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entry_key  TEXT PRIMARY KEY,
		value      %s NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`, s.table, blob))
	return err
}

type sqlEntry struct {
	Key       string `db:"entry_key"`
	Value     []byte `db:"value"`
	ExpiresAt int64  `db:"expires_at"`
}

// Get retrieves a value by key.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var e sqlEntry
	query := s.db.Rebind(fmt.Sprintf(
		"SELECT entry_key, value, expires_at FROM %s WHERE entry_key = ?", s.table))
	err := s.db.GetContext(ctx, &e, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	if expired(time.Now(), unixTime(e.ExpiresAt)) {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Put stores a value with optional TTL.
func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	now := time.Now()
	var expires int64
	if deadline := expiresAt(now, ttl); !deadline.IsZero() {
		expires = deadline.UnixNano()
	}

	query := s.db.Rebind(fmt.Sprintf(`INSERT INTO %s (entry_key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entry_key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key, value, expires, now.UnixNano()); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	query := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE entry_key = ?", s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all live keys matching a pattern.
func (s *SQLStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	like := likePattern(pattern)
	query := s.db.Rebind(fmt.Sprintf(
		`SELECT entry_key FROM %s
		WHERE entry_key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY entry_key`, s.table))

	var candidates []string
	if err := s.db.SelectContext(ctx, &candidates, query, like, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	keys := candidates[:0]
	for _, key := range candidates {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Purge deletes every expired row and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	query := s.db.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE expires_at <> 0 AND expires_at <= ?", s.table))
	res, err := s.db.ExecContext(ctx, query, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// likePattern turns a trailing-wildcard key pattern into a LIKE pattern.
func likePattern(pattern string) string {
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	if pattern == "*" {
		return "%"
	}
	if strings.HasSuffix(pattern, "*") {
		return escaper.Replace(strings.TrimSuffix(pattern, "*")) + "%"
	}
	return escaper.Replace(pattern)
}

var (
	_ Store  = (*SQLStore)(nil)
	_ Purger = (*SQLStore)(nil)
)
