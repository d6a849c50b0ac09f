// Package bus provides the message bus used between the dispatcher, its
// clients and its agents.
//
// # Available Implementations
//
//   - NATSBus: production messaging over NATS core
//   - MemoryBus: in-process implementation for tests and single-node use
//
// # Subjects
//
//	agents.<agent-id>.tasks   task delivery (request/reply)
//	dispatch.submit|status|list|cancel   dispatcher operations (request/reply)
//	tasks.events.<status>     task status events (pub/sub)
//
// # Request/Reply
//
//	// Responder
//	sub, _ := b.Subscribe("agents.cost-1.tasks")
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, response)
//	}
//
//	// Requester; the context deadline bounds the wait
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	reply, err := b.Request(ctx, "agents.cost-1.tasks", data)
//
// Queue subscriptions load balance across members of the same queue, which
// is how several dispatcher replicas share the dispatch.* subjects.
package bus
