package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// EventPublisher receives an event after every persisted status change.
// Publishing is best effort; errors are logged and never change task state.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev tasks.Event) error
}

// CancelNotifier asks an agent to abandon work on a task it may still be
// executing. No implementation ships with the dispatcher; cancellation is
// otherwise observed only between attempts.
type CancelNotifier interface {
	NotifyCancel(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) error
}

// Signal is a one-shot cancellation request for a running loop.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Cancel fires the signal. Extra calls are no-ops.
func (s *Signal) Cancel() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once Cancel has been called.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Cancelled reports whether Cancel has been called.
func (s *Signal) Cancelled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// EventSubject is the bus subject carrying events for a status.
func EventSubject(status tasks.Status) string {
	return "tasks.events." + string(status)
}

// BusPublisher publishes task events as JSON on tasks.events.<status>.
type BusPublisher struct {
	bus bus.MessageBus
}

// NewBusPublisher creates a publisher on b. The bus is owned by the caller.
func NewBusPublisher(b bus.MessageBus) *BusPublisher {
	return &BusPublisher{bus: b}
}

func (p *BusPublisher) PublishEvent(_ context.Context, ev tasks.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.bus.Publish(EventSubject(ev.Status), data)
}

// Publishers fans an event out to several publishers.
type Publishers []EventPublisher

func (ps Publishers) PublishEvent(ctx context.Context, ev tasks.Event) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
