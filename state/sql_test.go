package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(context.Background(), SQLStoreConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}

func TestSQLStore_Purge(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "tasks.old", []byte("x"), 10*time.Millisecond))
	require.NoError(t, s.Put(ctx, "tasks.keep", []byte("y"), 0))
	time.Sleep(30 * time.Millisecond)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rows int
	require.NoError(t, s.db.GetContext(ctx, &rows, "SELECT COUNT(*) FROM "+s.table))
	assert.Equal(t, 1, rows, "expired row is deleted, not just hidden")

	got, err := s.Get(ctx, "tasks.keep")
	require.NoError(t, err)
	assert.Equal(t, "y", string(got))
}

func TestSQLStore_ReopenKeepsData(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := NewSQLStore(ctx, SQLStoreConfig{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "tasks.a", []byte("persisted"), 0))
	require.NoError(t, s.Close())

	s, err = NewSQLStore(ctx, SQLStoreConfig{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "tasks.a")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestNewSQLStore_BadConfig(t *testing.T) {
	_, err := NewSQLStore(context.Background(), SQLStoreConfig{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = NewSQLStore(context.Background(), SQLStoreConfig{Driver: DriverSQLite})
	assert.Error(t, err)
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "%", likePattern("*"))
	assert.Equal(t, `tasks.%`, likePattern("tasks.*"))
	assert.Equal(t, `a\_b\%`, likePattern("a_b%"))
}
