package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_RegisterGet(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{
		ID:           "cost-1",
		Name:         "Cost Agent",
		Type:         "cost",
		Capabilities: []string{"analyze_cost"},
		Address:      "http://localhost:9001",
		Healthy:      true,
		Load:         0.5,
	}))

	got, err := r.Get(ctx, "cost-1")
	require.NoError(t, err)
	assert.Equal(t, "Cost Agent", got.Name)
	assert.Equal(t, "cost", got.Type)
	assert.Equal(t, "http://localhost:9001", got.Address)
	assert.False(t, got.LastSeen.IsZero())

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestMemoryRegistry_RegisterUpdate(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a", Status: StatusIdle, Load: 0.2}))
	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a", Status: StatusBusy, Load: 0.8}))

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, got.Status)
	assert.Equal(t, 0.8, got.Load)
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a"}))
	require.NoError(t, r.Deregister(ctx, "a"))
	assert.ErrorIs(t, r.Deregister(ctx, "a"), ErrNotFound)
	assert.ErrorIs(t, r.Deregister(ctx, ""), ErrInvalidID)
}

func TestMemoryRegistry_ListSortedAndFiltered(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	for _, a := range []AgentInfo{
		{ID: "cost-b", Type: "cost", Capabilities: []string{"analyze_cost"}, Healthy: true},
		{ID: "cost-a", Type: "cost", Capabilities: []string{"analyze_cost"}, Healthy: true},
		{ID: "cost-c", Type: "cost", Capabilities: []string{"analyze_cost"}, Healthy: false},
		{ID: "sec-a", Type: "security", Capabilities: []string{"scan"}, Healthy: true},
	} {
		require.NoError(t, r.Register(ctx, a))
	}

	all, err := r.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "cost-a", all[0].ID)

	healthyCost, err := r.List(ctx, &Filter{Type: "cost", HealthyOnly: true})
	require.NoError(t, err)
	ids := make([]string, 0, len(healthyCost))
	for _, a := range healthyCost {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"cost-a", "cost-b"}, ids)

	none, err := r.List(ctx, &Filter{Type: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRegistry_SetHealthy(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a", Healthy: true}))
	require.NoError(t, r.SetHealthy("a", false))

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Healthy)
	assert.ErrorIs(t, r.SetHealthy("missing", true), ErrNotFound)
}

func TestMemoryRegistry_TTL(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{TTL: 40 * time.Millisecond})
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a"}))
	_, err := r.Get(ctx, "a")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := r.Get(ctx, "a")
		return err == ErrNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryRegistry_Watch(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	ctx := context.Background()

	events, err := r.Watch()
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a"}))
	require.NoError(t, r.Register(ctx, AgentInfo{ID: "a", Load: 0.1}))
	require.NoError(t, r.Deregister(ctx, "a"))

	var types []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	assert.Equal(t, []EventType{EventAdded, EventUpdated, EventRemoved}, types)

	require.NoError(t, r.Close())
	_, ok := <-events
	assert.False(t, ok, "watch channel closes with the registry")
}

func TestMemoryRegistry_Closed(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	ctx := context.Background()
	assert.ErrorIs(t, r.Register(ctx, AgentInfo{ID: "a"}), ErrClosed)
	_, err := r.List(ctx, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Watch()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryRegistry_Concurrent(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i%10)
			assert.NoError(t, r.Register(ctx, AgentInfo{ID: id, Healthy: true}))
			_, _ = r.List(ctx, &Filter{HealthyOnly: true})
		}(i)
	}
	wg.Wait()

	all, err := r.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}
