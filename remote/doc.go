// Package remote delivers task attempts to agents.
//
// The wire contract is tasks.Request out and tasks.Response back. Two
// transports are provided: HTTPAdapter posts JSON to the agent's address,
// BusAdapter uses request/reply on the subject agents.<id>.tasks. Both
// surface failures as REMOTE_DISPATCH and missed deadlines as TIMEOUT, so
// the dispatch loop can retry without knowing the transport.
//
// WithTracing wraps any adapter with one span per attempt; the span's
// context travels to the agent in the request metadata.
package remote
