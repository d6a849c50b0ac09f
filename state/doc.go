// Package state provides the expiring key-value storage that backs the
// task record store.
//
// Three backends implement Store:
//
//   - MemoryStore: in-process map with a periodic expiry sweep (tests,
//     single-node deployments)
//   - NATSStore: NATS JetStream KV; per-key TTLs are carried in a small JSON
//     envelope because KV buckets only expire by bucket-wide max age
//   - SQLStore: sqlite (modernc, pure Go) or PostgreSQL through sqlx
//
// # Usage
//
//	store, _ := state.NewSQLStore(ctx, state.SQLStoreConfig{
//	    Driver: state.DriverSQLite,
//	    DSN:    "/var/lib/taskdispatch/tasks.db",
//	})
//	defer store.Close()
//
//	store.Put(ctx, "tasks.42", record, time.Hour)
//	val, err := store.Get(ctx, "tasks.42")
//	if errors.Is(err, state.ErrNotFound) {
//	    // unknown or expired
//	}
package state
