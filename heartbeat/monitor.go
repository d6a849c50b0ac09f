package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
)

// BeatFunc is called for every heartbeat received.
type BeatFunc func(ctx context.Context, hb *Heartbeat)

// DeadFunc is called once when an agent misses its timeout. It is called
// again only after the agent has beaten in between.
type DeadFunc func(ctx context.Context, agentID string)

// Monitor tracks agent heartbeats from the bus and detects dead agents.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration
	log           *logging.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	reported map[string]bool
	beatCBs  []BeatFunc
	deadCBs  []DeadFunc

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Monitor{
		bus:           cfg.Bus,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		log:           cfg.Logger.WithComponent("heartbeat"),
		metrics:       cfg.Metrics,
		now:           cfg.Clock,
		lastSeen:      make(map[string]*Heartbeat),
		reported:      make(map[string]bool),
	}, nil
}

// OnBeat registers a callback for received heartbeats.
func (m *Monitor) OnBeat(cb BeatFunc) {
	m.mu.Lock()
	m.beatCBs = append(m.beatCBs, cb)
	m.mu.Unlock()
}

// OnDead registers a callback for agents presumed dead.
func (m *Monitor) OnDead(cb DeadFunc) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, cb)
	m.mu.Unlock()
}

// Start subscribes to every agent's heartbeats and begins dead-agent
// checks. Monitoring runs until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := m.bus.Subscribe(SubjectAll)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.receive(ctx, msg)
		case <-ticker.C:
			m.checkDead(ctx)
		}
	}
}

func (m *Monitor) receive(ctx context.Context, msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		m.log.Debug("malformed_heartbeat", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = agentFromSubject(msg.Subject)
	}
	m.record(ctx, hb)
}

// record stores hb as the agent's latest beat. Timeouts are measured
// against the local receive time, not the sender's timestamp.
func (m *Monitor) record(ctx context.Context, hb *Heartbeat) {
	hb.Timestamp = m.now()

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = hb
	revived := m.reported[hb.AgentID]
	delete(m.reported, hb.AgentID)
	callbacks := append([]BeatFunc(nil), m.beatCBs...)
	m.mu.Unlock()

	if revived {
		m.log.Info("agent_revived", map[string]interface{}{"agent_id": hb.AgentID})
	}
	for _, cb := range callbacks {
		cb(ctx, hb)
	}
}

func (m *Monitor) checkDead(ctx context.Context) {
	now := m.now()
	var dead []string

	m.mu.Lock()
	for agentID, hb := range m.lastSeen {
		if now.Sub(hb.Timestamp) > m.timeout && !m.reported[agentID] {
			m.reported[agentID] = true
			dead = append(dead, agentID)
		}
	}
	callbacks := append([]DeadFunc(nil), m.deadCBs...)
	m.mu.Unlock()

	for _, agentID := range dead {
		m.log.Warn("agent_presumed_dead", map[string]interface{}{
			"agent_id": agentID,
			"timeout":  m.timeout.String(),
		})
		m.metrics.IncAgentDead()
		for _, cb := range callbacks {
			cb(ctx, agentID)
		}
	}
}

// IsAlive reports whether agentID has beaten within the timeout.
func (m *Monitor) IsAlive(agentID string) bool {
	m.mu.RLock()
	hb, ok := m.lastSeen[agentID]
	m.mu.RUnlock()

	return ok && m.now().Sub(hb.Timestamp) <= m.timeout
}

// LastHeartbeat returns the last heartbeat from an agent, or nil.
func (m *Monitor) LastHeartbeat(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[agentID]
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	err := m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return err
}
