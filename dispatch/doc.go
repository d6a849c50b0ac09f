// Package dispatch owns the delivery of a task from Queued to a terminal
// status.
//
// # Loop
//
// Loop.Run sends the task to its agent through a remote.Adapter, with
// each attempt bounded by the task's timeout. A failed attempt moves the
// task to Retrying and, after a fixed backoff, back to Sent; a task whose
// retry budget is spent moves to Failed. A missed deadline is persisted as
// TimedOut before that decision. Every transition is saved to the task
// store before the next one is attempted, and an event is published for
// it.
//
// An agent that always fails therefore sees MaxRetries+1 attempts.
//
// # Cancellation
//
// Cancellation arrives through a Signal. It is observed before each send
// and after each failed attempt, and it cuts the backoff wait short. An
// attempt already in flight is never interrupted.
//
// # Pool
//
// Pool gates loops with a weighted semaphore so at most MaxConcurrent
// deliver at once; the rest wait with their task still Queued. The pool
// also tracks which task ids are owned, so the router never writes a
// record that a loop is writing.
//
//	pool := dispatch.NewPool(cfg.MaxConcurrent, m)
//	err := pool.Go(task.ID, func(ctx context.Context, sig *dispatch.Signal) {
//	    loop.Run(ctx, task, sig)
//	})
package dispatch
