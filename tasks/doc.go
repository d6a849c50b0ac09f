// Package tasks defines the task record, its lifecycle and its persistence.
//
// # Task Lifecycle
//
// Tasks move through the following states:
//
//	Pending → Queued → Sent → Completed
//	                    ↓  ↘
//	                    ↓   TimedOut → Retrying | Failed
//	                    ↓
//	                 Retrying → Sent (bounded by MaxRetries)
//	                 Failed   (retries exhausted)
//
// Any non-terminal task may move to Cancelled. Completed, Failed and
// Cancelled are terminal. Task.Transition enforces these edges and stamps
// StartedAt on the first Sent and CompletedAt on any terminal state.
//
// # Persistence
//
// Store keeps one JSON record per task under "tasks.<id>" on a state.Store
// backend. Terminal records carry a TTL equal to the retention window and
// are reported as NOT_FOUND once it has elapsed. A stored terminal record
// is never overwritten.
//
//	store := tasks.NewStore(state.NewMemoryStore(), tasks.WithRetention(time.Hour))
//	err := store.Save(ctx, task)
//	t, err := store.Get(ctx, task.ID)
//
// # Idempotency
//
// Submissions may carry an idempotency key; RememberIdempotency and
// LookupIdempotency map it to the task created for the first submission.
//
// # Wire Format
//
// Request and Response are the agent-side contract: a request carries
// task_id, task_type, parameters, timeout_seconds, priority and metadata;
// the reply carries status (completed|failed), result or error, and
// execution_time_ms.
package tasks
