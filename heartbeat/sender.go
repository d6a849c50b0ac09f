package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/registry"
)

// Sender publishes an agent's heartbeats over a message bus. Load is
// derived from the number of tasks bracketed by Begin.
type Sender struct {
	bus      bus.MessageBus
	agentID  string
	interval time.Duration
	capacity int

	mu       sync.RWMutex
	status   registry.Status
	inFlight int

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultSenderConfig().Capacity
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: interval,
		capacity: capacity,
		status:   registry.StatusIdle,
	}, nil
}

// Start begins sending heartbeats at the configured interval until ctx
// ends or Stop is called. The first heartbeat goes out immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	_ = s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Beat()
		}
	}
}

// Beat publishes one heartbeat with the current state.
func (s *Sender) Beat() error {
	hb := s.Snapshot()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(hb.Subject(), data)
}

// Snapshot builds the heartbeat that would be sent now.
func (s *Sender) Snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	load := float64(s.inFlight) / float64(s.capacity)
	if load > 1 {
		load = 1
	}
	return &Heartbeat{
		AgentID:   s.agentID,
		Timestamp: time.Now(),
		Status:    s.status,
		Load:      load,
		InFlight:  s.inFlight,
	}
}

// Begin marks a task as started and returns the function that marks it
// finished. The agent reports busy while any task is in flight.
func (s *Sender) Begin() (done func()) {
	s.mu.Lock()
	s.inFlight++
	if s.status == registry.StatusIdle {
		s.status = registry.StatusBusy
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inFlight--
			if s.inFlight == 0 && s.status == registry.StatusBusy {
				s.status = registry.StatusIdle
			}
			s.mu.Unlock()
		})
	}
}

// Draining switches the reported status to stopping and publishes it at
// once so the dispatcher stops routing new tasks here.
func (s *Sender) Draining() error {
	s.mu.Lock()
	s.status = registry.StatusStopping
	s.mu.Unlock()
	return s.Beat()
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}
