package selection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/registry"
)

func newDirectory(t *testing.T, agents ...registry.AgentInfo) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	t.Cleanup(func() { _ = reg.Close() })
	for _, a := range agents {
		require.NoError(t, reg.Register(context.Background(), a))
	}
	return reg
}

func costAgent(id string) registry.AgentInfo {
	return registry.AgentInfo{
		ID:           id,
		Type:         "cost",
		Capabilities: []string{"analyze_cost"},
		Healthy:      true,
	}
}

type failingDirectory struct{}

func (failingDirectory) Get(context.Context, string) (*registry.AgentInfo, error) {
	return nil, errors.New("directory unreachable")
}

func (failingDirectory) List(context.Context, *registry.Filter) ([]registry.AgentInfo, error) {
	return nil, errors.New("directory unreachable")
}

func TestSelectAgent_RoundRobin(t *testing.T) {
	dir := newDirectory(t, costAgent("cost-2"), costAgent("cost-1"), costAgent("cost-3"))
	sel := NewSelector(dir, nil)
	assert.Equal(t, StrategyRoundRobin, sel.Strategy().Name())

	var got []string
	for i := 0; i < 6; i++ {
		agent, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "")
		require.NoError(t, err)
		got = append(got, agent.ID)
	}
	assert.Equal(t, []string{"cost-1", "cost-2", "cost-3", "cost-1", "cost-2", "cost-3"}, got)
}

func TestSelectAgent_FiltersUnhealthyAndIncapable(t *testing.T) {
	sick := costAgent("cost-1")
	sick.Healthy = false
	other := costAgent("cost-2")
	other.Capabilities = []string{"forecast"}
	perf := costAgent("perf-1")
	perf.Type = "performance"

	dir := newDirectory(t, sick, other, perf, costAgent("cost-3"))
	sel := NewSelector(dir, nil)

	for i := 0; i < 3; i++ {
		agent, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "")
		require.NoError(t, err)
		assert.Equal(t, "cost-3", agent.ID)
	}
}

func TestSelectAgent_NoAvailableAgent(t *testing.T) {
	dir := newDirectory(t, costAgent("cost-1"))
	sel := NewSelector(dir, nil)

	_, err := sel.SelectAgent(context.Background(), "ghost", "analyze_cost", "")
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.ErrCodeNoAvailableAgent))
	assert.False(t, derrors.IsRetryable(err))

	_, err = sel.SelectAgent(context.Background(), "cost", "unknown_task", "")
	assert.True(t, derrors.Is(err, derrors.ErrCodeNoAvailableAgent))
}

func TestSelectAgent_Pinned(t *testing.T) {
	dir := newDirectory(t, costAgent("cost-1"), costAgent("cost-2"))
	sel := NewSelector(dir, nil)

	for i := 0; i < 3; i++ {
		agent, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "cost-2")
		require.NoError(t, err)
		assert.Equal(t, "cost-2", agent.ID)
	}
}

func TestSelectAgent_PinnedMissingOrUnhealthy(t *testing.T) {
	dir := newDirectory(t, costAgent("cost-1"))
	require.NoError(t, dir.SetHealthy("cost-1", false))
	sel := NewSelector(dir, nil)

	_, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "nobody")
	assert.True(t, derrors.Is(err, derrors.ErrCodeNotFound))

	_, err = sel.SelectAgent(context.Background(), "cost", "analyze_cost", "cost-1")
	assert.True(t, derrors.Is(err, derrors.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "unhealthy")
}

func TestSelectAgent_DirectoryError(t *testing.T) {
	sel := NewSelector(failingDirectory{}, nil)

	_, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unreachable")
	assert.False(t, derrors.Is(err, derrors.ErrCodeNoAvailableAgent))

	_, err = sel.SelectAgent(context.Background(), "cost", "analyze_cost", "cost-1")
	require.Error(t, err)
	assert.False(t, derrors.Is(err, derrors.ErrCodeNotFound))
}

func TestRoundRobin_IndependentKeys(t *testing.T) {
	rr := NewRoundRobin()
	candidates := []registry.AgentInfo{costAgent("a"), costAgent("b")}

	k1 := Key{AgentType: "cost", TaskType: "analyze_cost"}
	k2 := Key{AgentType: "cost", TaskType: "forecast"}

	assert.Equal(t, "a", rr.Pick(k1, candidates).ID)
	assert.Equal(t, "a", rr.Pick(k2, candidates).ID)
	assert.Equal(t, "b", rr.Pick(k1, candidates).ID)
}

func TestRoundRobin_ShrinkingSet(t *testing.T) {
	rr := NewRoundRobin()
	key := Key{AgentType: "cost"}
	three := []registry.AgentInfo{costAgent("a"), costAgent("b"), costAgent("c")}

	rr.Pick(key, three)
	rr.Pick(key, three)
	got := rr.Pick(key, three[:1])
	assert.Equal(t, "a", got.ID)
}

func TestRoundRobin_Concurrent(t *testing.T) {
	rr := NewRoundRobin()
	key := Key{AgentType: "cost"}
	candidates := []registry.AgentInfo{costAgent("a"), costAgent("b")}

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := rr.Pick(key, candidates).ID
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counts["a"])
	assert.Equal(t, 50, counts["b"])
}

func TestLeastLoaded(t *testing.T) {
	a, b, c := costAgent("a"), costAgent("b"), costAgent("c")
	a.Load, b.Load, c.Load = 0.7, 0.2, 0.2

	got := NewLeastLoaded().Pick(Key{}, []registry.AgentInfo{a, b, c})
	assert.Equal(t, "b", got.ID, "ties resolve to the lowest ID")
}

func TestWeighted_Distribution(t *testing.T) {
	w := NewWeighted()
	key := Key{AgentType: "cost"}
	a, b, c := costAgent("a"), costAgent("b"), costAgent("c")
	a.Weight, b.Weight = 5, 1 // c has zero weight, counted as 1

	candidates := []registry.AgentInfo{a, b, c}
	counts := map[string]int{}
	var sequence []string
	for i := 0; i < 7; i++ {
		id := w.Pick(key, candidates).ID
		counts[id]++
		sequence = append(sequence, id)
	}
	assert.Equal(t, map[string]int{"a": 5, "b": 1, "c": 1}, counts)
	assert.NotEqual(t, []string{"a", "a", "a", "a", "a"}, sequence[:5], "picks are interleaved")
}

func TestWeighted_ForgetsDepartedAgents(t *testing.T) {
	w := NewWeighted()
	key := Key{AgentType: "cost"}
	a, b := costAgent("a"), costAgent("b")

	w.Pick(key, []registry.AgentInfo{a, b})
	w.Pick(key, []registry.AgentInfo{a})
	assert.NotContains(t, w.current[key], "b")
}

func TestSelectAgent_WithStrategies(t *testing.T) {
	busy := costAgent("cost-1")
	busy.Load = 0.9
	idle := costAgent("cost-2")
	idle.Load = 0.1
	dir := newDirectory(t, busy, idle)

	sel := NewSelector(dir, NewLeastLoaded())
	agent, err := sel.SelectAgent(context.Background(), "cost", "analyze_cost", "")
	require.NoError(t, err)
	assert.Equal(t, "cost-2", agent.ID)
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"", StrategyRoundRobin, StrategyLeastLoaded, StrategyWeighted} {
		s, err := ParseStrategy(name)
		require.NoError(t, err, name)
		if name != "" {
			assert.Equal(t, name, s.Name())
		}
	}

	_, err := ParseStrategy("random")
	assert.Error(t, err)
}

func TestEligible_SortsByID(t *testing.T) {
	out := Eligible([]registry.AgentInfo{costAgent("z"), costAgent("m"), costAgent("a")}, "analyze_cost")
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "z", out[2].ID)
}
