package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
	"github.com/vinayprograms/taskdispatch/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitor(t *testing.T, b bus.MessageBus, clk *clock) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Bus:           b,
		Timeout:       10 * time.Second,
		CheckInterval: time.Hour,
		Logger:        logging.Discard(),
		Metrics:       metrics.MustNewMetrics(prometheus.NewRegistry()),
		Clock:         clk.Now,
	})
	require.NoError(t, err)
	return m
}

func TestConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	assert.NoError(t, (&SenderConfig{Bus: b, AgentID: "a"}).Validate())
	assert.ErrorIs(t, (&SenderConfig{AgentID: "a"}).Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, (&SenderConfig{Bus: b}).Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, (&SenderConfig{Bus: b, AgentID: "a", Capacity: -1}).Validate(), ErrInvalidConfig)

	assert.NoError(t, (&MonitorConfig{Bus: b}).Validate())
	assert.ErrorIs(t, (&MonitorConfig{}).Validate(), ErrInvalidConfig)

	_, err := NewMonitor(MonitorConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSender_LoadFollowsInFlight(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	s, err := NewSender(SenderConfig{Bus: b, AgentID: "cost-1", Capacity: 2})
	require.NoError(t, err)

	hb := s.Snapshot()
	assert.Equal(t, registry.StatusIdle, hb.Status)
	assert.Zero(t, hb.Load)

	done1 := s.Begin()
	done2 := s.Begin()
	done3 := s.Begin()
	hb = s.Snapshot()
	assert.Equal(t, registry.StatusBusy, hb.Status)
	assert.Equal(t, 3, hb.InFlight)
	assert.Equal(t, 1.0, hb.Load, "load is capped at 1")

	done1()
	done1()
	done2()
	hb = s.Snapshot()
	assert.Equal(t, 1, hb.InFlight, "done is idempotent")
	assert.Equal(t, 0.5, hb.Load)

	done3()
	assert.Equal(t, registry.StatusIdle, s.Snapshot().Status)
}

func TestSender_PublishesOnStart(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe(Subject("cost-1"))
	require.NoError(t, err)

	s, err := NewSender(SenderConfig{Bus: b, AgentID: "cost-1", Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	select {
	case msg := <-sub.Messages():
		hb, err := Unmarshal(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "cost-1", hb.AgentID)
		assert.Equal(t, registry.StatusIdle, hb.Status)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat published")
	}

	require.NoError(t, s.Draining())
	select {
	case msg := <-sub.Messages():
		hb, err := Unmarshal(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusStopping, hb.Status)
	case <-time.After(time.Second):
		t.Fatal("draining heartbeat not published")
	}

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)
}

func TestMonitor_DeadReportedOnce(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	clk := newClock()
	m := newMonitor(t, b, clk)
	ctx := context.Background()

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(_ context.Context, id string) {
		mu.Lock()
		dead = append(dead, id)
		mu.Unlock()
	})

	m.record(ctx, &Heartbeat{AgentID: "cost-1", Status: registry.StatusIdle})
	m.record(ctx, &Heartbeat{AgentID: "cost-2", Status: registry.StatusIdle})
	assert.True(t, m.IsAlive("cost-1"))

	clk.Advance(8 * time.Second)
	m.record(ctx, &Heartbeat{AgentID: "cost-2", Status: registry.StatusBusy})
	clk.Advance(5 * time.Second)
	m.checkDead(ctx)
	m.checkDead(ctx)

	assert.False(t, m.IsAlive("cost-1"))
	assert.True(t, m.IsAlive("cost-2"))
	assert.Equal(t, []string{"cost-1"}, dead)

	m.record(ctx, &Heartbeat{AgentID: "cost-1"})
	clk.Advance(11 * time.Second)
	m.checkDead(ctx)
	assert.ElementsMatch(t, []string{"cost-1", "cost-1", "cost-2"}, dead, "a revived agent can die again")
	assert.Equal(t, registry.StatusBusy, m.LastHeartbeat("cost-2").Status)
	assert.Nil(t, m.LastHeartbeat("ghost"))
}

func TestMonitor_ReceivesFromBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	m := newMonitor(t, b, newClock())

	beats := make(chan *Heartbeat, 4)
	m.OnBeat(func(_ context.Context, hb *Heartbeat) { beats <- hb })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyStarted)

	s, err := NewSender(SenderConfig{Bus: b, AgentID: "cost-1", Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Beat())
	require.NoError(t, b.Publish(Subject("cost-2"), []byte("not json")))
	require.NoError(t, b.Publish(Subject("cost-3"), []byte(`{"load":0.25}`)))

	var got []string
	for len(got) < 2 {
		select {
		case hb := <-beats:
			got = append(got, hb.AgentID)
		case <-time.After(time.Second):
			t.Fatalf("got %v", got)
		}
	}
	assert.Equal(t, []string{"cost-1", "cost-3"}, got, "malformed beats are dropped and ids fall back to the subject")

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrNotStarted)
}

func TestLiveDirectory(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	clk := newClock()
	m := newMonitor(t, b, clk)
	dir := NewLiveDirectory(reg, m)
	ctx := context.Background()

	for _, id := range []string{"cost-1", "cost-2"} {
		require.NoError(t, reg.Register(ctx, registry.AgentInfo{
			ID:           id,
			Type:         "cost",
			Capabilities: []string{"analyze_cost"},
			Status:       registry.StatusIdle,
			Healthy:      true,
		}))
	}
	healthyCost := &registry.Filter{Type: "cost", HealthyOnly: true}
	ids := func(agents []registry.AgentInfo) []string {
		var out []string
		for _, a := range agents {
			out = append(out, a.ID)
		}
		return out
	}

	m.record(ctx, &Heartbeat{AgentID: "cost-1", Status: registry.StatusBusy, Load: 0.75})
	info, err := dir.Get(ctx, "cost-1")
	require.NoError(t, err)
	assert.True(t, info.Healthy)
	assert.Equal(t, 0.75, info.Load)
	assert.Equal(t, registry.StatusBusy, info.Status)

	clk.Advance(time.Minute)
	info, err = dir.Get(ctx, "cost-1")
	require.NoError(t, err)
	assert.False(t, info.Healthy, "an agent that stopped beating is unhealthy")

	healthy, err := dir.List(ctx, healthyCost)
	require.NoError(t, err)
	assert.Equal(t, []string{"cost-2"}, ids(healthy), "agents that never beat keep their registered health")

	m.record(ctx, &Heartbeat{AgentID: "cost-1", Status: registry.StatusIdle})
	healthy, err = dir.List(ctx, healthyCost)
	require.NoError(t, err)
	assert.Equal(t, []string{"cost-1", "cost-2"}, ids(healthy), "a beat revives the agent")

	m.record(ctx, &Heartbeat{AgentID: "cost-1", Status: registry.StatusStopping})
	info, err = dir.Get(ctx, "cost-1")
	require.NoError(t, err)
	assert.False(t, info.Healthy, "a draining agent takes no new tasks")

	stored, err := reg.Get(ctx, "cost-1")
	require.NoError(t, err)
	assert.True(t, stored.Healthy, "the registry itself is never written")
	assert.Equal(t, registry.StatusIdle, stored.Status)
	assert.Zero(t, stored.Load)

	m.record(ctx, &Heartbeat{AgentID: "stranger"})
	_, err = dir.Get(ctx, "stranger")
	assert.ErrorIs(t, err, registry.ErrNotFound, "beats never register agents")
}
