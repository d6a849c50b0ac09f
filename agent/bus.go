package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/remote"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// BusServer answers task requests arriving on agents.<id>.tasks.
type BusServer struct {
	bus     bus.MessageBus
	agentID string
	handler Handler
	log     *logging.Logger

	sub bus.Subscription
	wg  sync.WaitGroup
}

// NewBusServer creates a server for agentID. The bus is owned by the caller.
func NewBusServer(b bus.MessageBus, agentID string, h Handler, logger *logging.Logger) *BusServer {
	if logger == nil {
		logger = logging.New()
	}
	return &BusServer{
		bus:     b,
		agentID: agentID,
		handler: h,
		log:     logger.WithComponent("agent.bus"),
	}
}

// Start subscribes and handles requests until ctx ends or Close is called.
// Each request runs in its own goroutine. Replicas sharing an agent id
// form a queue group and split the requests.
func (s *BusServer) Start(ctx context.Context) error {
	sub, err := s.bus.QueueSubscribe(remote.AgentSubject(s.agentID), s.agentID)
	if err != nil {
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.handle(ctx, msg)
				}()
			}
		}
	}()
	return nil
}

func (s *BusServer) handle(ctx context.Context, msg *bus.Message) {
	if msg.Reply == "" {
		return
	}

	var req tasks.Request
	var resp *tasks.Response
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp = &tasks.Response{Status: tasks.ResponseFailed, Error: "invalid request: " + err.Error()}
	} else {
		resp = Execute(ctx, s.handler, &req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode_reply_failed", map[string]interface{}{"task_id": req.TaskID, "error": err.Error()})
		return
	}
	if err := s.bus.Publish(msg.Reply, data); err != nil {
		s.log.Warn("reply_failed", map[string]interface{}{"task_id": req.TaskID, "error": err.Error()})
		return
	}
	s.log.Info("task_handled", map[string]interface{}{
		"task_id":           req.TaskID,
		"task_type":         req.TaskType,
		"status":            string(resp.Status),
		"execution_time_ms": resp.ExecutionTimeMs,
	})
}

// Close unsubscribes and waits for in-flight requests.
func (s *BusServer) Close() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.wg.Wait()
	return err
}
