package selection

import (
	"sync"

	"github.com/vinayprograms/taskdispatch/registry"
)

// Strategy names accepted by ParseStrategy.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastLoaded = "least_loaded"
	StrategyWeighted    = "weighted"
)

// Key scopes strategy state to one routing decision class.
type Key struct {
	AgentType string
	TaskType  string
}

// Strategy chooses one agent from a non-empty candidate list sorted by ID.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Pick(key Key, candidates []registry.AgentInfo) registry.AgentInfo
}

// RoundRobin rotates through candidates with one pointer per Key.
type RoundRobin struct {
	mu   sync.Mutex
	next map[Key]int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[Key]int)}
}

func (r *RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Pick(key Key, candidates []registry.AgentInfo) registry.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.next[key] % len(candidates)
	r.next[key] = i + 1
	return candidates[i]
}

// LeastLoaded picks the candidate reporting the lowest load. Ties go to
// the lowest ID.
type LeastLoaded struct{}

// NewLeastLoaded creates a least-loaded strategy.
func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (LeastLoaded) Name() string { return StrategyLeastLoaded }

func (LeastLoaded) Pick(_ Key, candidates []registry.AgentInfo) registry.AgentInfo {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Load < best.Load {
			best = a
		}
	}
	return best
}

// Weighted is smooth weighted round-robin: over any window of
// sum(weights) picks, each agent is chosen weight times, interleaved.
type Weighted struct {
	mu      sync.Mutex
	current map[Key]map[string]int
}

// NewWeighted creates a weighted strategy.
func NewWeighted() *Weighted {
	return &Weighted{current: make(map[Key]map[string]int)}
}

func (w *Weighted) Name() string { return StrategyWeighted }

func (w *Weighted) Pick(key Key, candidates []registry.AgentInfo) registry.AgentInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.current[key]
	if cur == nil {
		cur = make(map[string]int)
		w.current[key] = cur
	}

	// Forget agents that left the candidate set.
	live := make(map[string]bool, len(candidates))
	for _, a := range candidates {
		live[a.ID] = true
	}
	for id := range cur {
		if !live[id] {
			delete(cur, id)
		}
	}

	total := 0
	best := -1
	for i, a := range candidates {
		weight := a.EffectiveWeight()
		total += weight
		cur[a.ID] += weight
		if best < 0 || cur[a.ID] > cur[candidates[best].ID] {
			best = i
		}
	}
	cur[candidates[best].ID] -= total
	return candidates[best]
}
