package heartbeat

import (
	"context"

	"github.com/vinayprograms/taskdispatch/registry"
)

// LiveDirectory overlays heartbeat state on a registry.Directory. Agents
// that have beaten at least once report the load and status of their last
// beat, and count as healthy only while they keep beating and are not
// stopping. Agents that never beat are returned as registered.
//
// The overlay is local to the dispatcher: the underlying directory is only
// read.
type LiveDirectory struct {
	dir     registry.Directory
	monitor *Monitor
}

// NewLiveDirectory wraps dir with the liveness m observes.
func NewLiveDirectory(dir registry.Directory, m *Monitor) *LiveDirectory {
	return &LiveDirectory{dir: dir, monitor: m}
}

// Get returns the agent with its liveness applied.
func (d *LiveDirectory) Get(ctx context.Context, id string) (*registry.AgentInfo, error) {
	info, err := d.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	live := d.overlay(*info)
	return &live, nil
}

// List applies liveness before the filter's health, status and load
// criteria, so a dead agent is dropped by HealthyOnly.
func (d *LiveDirectory) List(ctx context.Context, filter *registry.Filter) ([]registry.AgentInfo, error) {
	var base *registry.Filter
	if filter != nil {
		base = &registry.Filter{Type: filter.Type, Capability: filter.Capability}
	}
	agents, err := d.dir.List(ctx, base)
	if err != nil {
		return nil, err
	}

	out := agents[:0]
	for _, info := range agents {
		info = d.overlay(info)
		if registry.MatchesFilter(info, filter) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (d *LiveDirectory) overlay(info registry.AgentInfo) registry.AgentInfo {
	hb := d.monitor.LastHeartbeat(info.ID)
	if hb == nil {
		return info
	}
	info.Load = hb.Load
	if hb.Status != "" {
		info.Status = hb.Status
	}
	info.Healthy = info.Healthy && d.monitor.IsAlive(info.ID) && hb.Status != registry.StatusStopping
	return info
}

var _ registry.Directory = (*LiveDirectory)(nil)
