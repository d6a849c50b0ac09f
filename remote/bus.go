package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vinayprograms/taskdispatch/bus"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// AgentSubject is the request/reply subject an agent listens on.
func AgentSubject(agentID string) string {
	return "agents." + agentID + ".tasks"
}

// BusAdapter delivers tasks as request/reply messages on a MessageBus.
type BusAdapter struct {
	bus bus.MessageBus
}

// NewBusAdapter creates a bus adapter. The bus is owned by the caller.
func NewBusAdapter(b bus.MessageBus) *BusAdapter {
	return &BusAdapter{bus: b}
}

// Deliver implements Adapter.
func (a *BusAdapter) Deliver(ctx context.Context, agent registry.AgentInfo, task *tasks.Task) (*tasks.Outcome, error) {
	body, err := json.Marshal(buildRequest(ctx, task))
	if err != nil {
		return nil, derrors.RemoteDispatch("failed to marshal request",
			derrors.WithCause(err), derrors.WithTaskID(task.ID))
	}

	reply, err := a.bus.Request(ctx, AgentSubject(agent.ID), body)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			err = context.DeadlineExceeded
		}
		return nil, classify(ctx, err, task, agent, "bus request failed")
	}
	return decodeReply(task, agent, reply.Data)
}
