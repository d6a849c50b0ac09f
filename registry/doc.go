// Package registry provides the agent directory the dispatcher routes against.
//
// # Overview
//
// Agents register a descriptor (id, type, capabilities, address, health,
// load, weight). The dispatcher only needs the read-only Directory view;
// the full Registry interface is used by agents and tooling that publish
// descriptors.
//
// # Available Implementations
//
//   - MemoryRegistry: in-memory implementation for tests and single-node use
//   - NATSRegistry: distributed registry on a NATS JetStream KV bucket
//
// # Basic Usage
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
//	err := reg.Register(ctx, registry.AgentInfo{
//	    ID:           "cost-1",
//	    Type:         "cost",
//	    Capabilities: []string{"analyze_cost"},
//	    Address:      "http://10.0.0.7:8081",
//	    Healthy:      true,
//	})
//
//	agents, _ := reg.List(ctx, &registry.Filter{Type: "cost", HealthyOnly: true})
//
// Stale descriptors (not refreshed within the configured TTL) disappear from
// Get and List.
package registry
