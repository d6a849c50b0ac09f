package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/registry"
)

// Selector resolves the agent that receives a task.
type Selector struct {
	dir      registry.Directory
	strategy Strategy
}

// NewSelector creates a selector over a directory. A nil strategy means
// round-robin.
func NewSelector(dir registry.Directory, strategy Strategy) *Selector {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	return &Selector{dir: dir, strategy: strategy}
}

// Strategy returns the configured selection strategy.
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

// SelectAgent picks a healthy agent of targetType that declares taskType.
//
// A non-empty pinnedID bypasses the strategy: the agent must exist and be
// healthy, otherwise NOT_FOUND is returned. Without a pin, an empty
// candidate set yields NO_AVAILABLE_AGENT.
func (s *Selector) SelectAgent(ctx context.Context, targetType, taskType, pinnedID string) (*registry.AgentInfo, error) {
	if pinnedID != "" {
		return s.pinned(ctx, pinnedID)
	}

	listed, err := s.dir.List(ctx, &registry.Filter{Type: targetType})
	if err != nil {
		return nil, derrors.Wrap(err, "list agents",
			derrors.WithMetadata("agent_type", targetType))
	}

	candidates := Eligible(listed, taskType)
	if len(candidates) == 0 {
		return nil, derrors.NoAvailableAgent(targetType, taskType)
	}

	chosen := s.strategy.Pick(Key{AgentType: targetType, TaskType: taskType}, candidates)
	return &chosen, nil
}

func (s *Selector) pinned(ctx context.Context, id string) (*registry.AgentInfo, error) {
	agent, err := s.dir.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, derrors.AgentNotFound(id, "not registered")
		}
		return nil, derrors.Wrap(err, "get agent", derrors.WithAgentID(id))
	}
	if !agent.Healthy {
		return nil, derrors.AgentNotFound(id, "unhealthy")
	}
	return agent, nil
}

// Eligible keeps healthy agents that declare taskType, sorted by ID so
// every strategy sees a stable order.
func Eligible(agents []registry.AgentInfo, taskType string) []registry.AgentInfo {
	out := make([]registry.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if a.Healthy && registry.HasCapability(a, taskType) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// ParseStrategy maps a configured name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return NewRoundRobin(), nil
	case StrategyLeastLoaded:
		return NewLeastLoaded(), nil
	case StrategyWeighted:
		return NewWeighted(), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}
