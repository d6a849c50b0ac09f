// Package selection chooses the agent that receives a task.
//
// Candidates come from a registry.Directory: agents of the requested type
// that are healthy and declare the task type as a capability. A pinned
// agent ID skips the candidate search entirely. Among candidates a Strategy
// decides; round-robin is the default, with least-loaded and smooth
// weighted round-robin available.
//
//	sel := selection.NewSelector(reg, selection.NewLeastLoaded())
//	agent, err := sel.SelectAgent(ctx, "cost", "analyze_cost", "")
//	if derrors.Is(err, derrors.ErrCodeNoAvailableAgent) { ... }
package selection
