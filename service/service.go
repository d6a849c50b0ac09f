// Package service exposes the router over request/reply subjects on a
// message bus, and provides a typed client for them.
//
// Every reply is an envelope carrying either the operation's result or a
// structured error, so callers get back the same error codes the router
// returned.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/vinayprograms/taskdispatch/bus"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// Request subjects.
const (
	SubjectSubmit = "dispatch.submit"
	SubjectStatus = "dispatch.status"
	SubjectList   = "dispatch.list"
	SubjectCancel = "dispatch.cancel"
)

// QueueGroup is shared by dispatcher replicas so each request is handled
// once.
const QueueGroup = "dispatchers"

// Dispatcher is the operation set served on the bus. *router.Router and
// *Client both implement it.
type Dispatcher interface {
	Submit(ctx context.Context, req router.SubmitRequest) (*router.SubmitResponse, error)
	GetStatus(ctx context.Context, id string) (*tasks.View, error)
	List(ctx context.Context, status tasks.Status) ([]tasks.View, error)
	Cancel(ctx context.Context, id string) error
}

// StatusRequest asks for one task's view.
type StatusRequest struct {
	TaskID string `json:"task_id"`
}

// ListRequest filters a listing. An empty status lists everything.
type ListRequest struct {
	Status tasks.Status `json:"status,omitempty"`
}

// ListResponse is the listing reply.
type ListResponse struct {
	Tasks []tasks.View `json:"tasks"`
	Count int          `json:"count"`
}

// CancelRequest asks for cancellation of a task.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse acknowledges an accepted cancellation.
type CancelResponse struct {
	Message string `json:"message"`
}

type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *derrors.Error  `json:"error,omitempty"`
}

// Server answers dispatcher requests from the bus.
type Server struct {
	bus bus.MessageBus
	d   Dispatcher
	log *logging.Logger

	mu   sync.Mutex
	subs []bus.Subscription
	wg   sync.WaitGroup
}

// NewServer creates a server for d. The bus is owned by the caller.
func NewServer(b bus.MessageBus, d Dispatcher, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New()
	}
	return &Server{bus: b, d: d, log: logger.WithComponent("service")}
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Start subscribes to every dispatcher subject. Requests are served until
// ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	routes := map[string]handlerFunc{
		SubjectSubmit: s.submit,
		SubjectStatus: s.status,
		SubjectList:   s.list,
		SubjectCancel: s.cancel,
	}
	for subject, h := range routes {
		sub, err := s.bus.QueueSubscribe(subject, QueueGroup)
		if err != nil {
			_ = s.Close()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(ctx, sub, subject, h)
	}
	return nil
}

func (s *Server) serve(ctx context.Context, sub bus.Subscription, subject string, h handlerFunc) {
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
				s.reply(ctx, subject, msg, h)
			}()
		}
	}
}

func (s *Server) reply(ctx context.Context, subject string, msg *bus.Message, h handlerFunc) {
	if msg.Reply == "" {
		return
	}

	var env envelope
	result, err := h(ctx, msg.Data)
	if err == nil {
		env.Data, err = json.Marshal(result)
	}
	if err != nil {
		env.Data = nil
		env.Error = asError(err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("encode_reply_failed", map[string]interface{}{"subject": subject, "error": err.Error()})
		return
	}
	if err := s.bus.Publish(msg.Reply, data); err != nil {
		s.log.Warn("reply_failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

func asError(err error) *derrors.Error {
	var de *derrors.Error
	if errors.As(err, &de) {
		return de
	}
	return derrors.Wrap(err, "request failed")
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return derrors.Validation("malformed request", derrors.WithCause(err))
	}
	return nil
}

func (s *Server) submit(ctx context.Context, data []byte) (any, error) {
	var req router.SubmitRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.d.Submit(ctx, req)
}

func (s *Server) status(ctx context.Context, data []byte) (any, error) {
	var req StatusRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.d.GetStatus(ctx, req.TaskID)
}

func (s *Server) list(ctx context.Context, data []byte) (any, error) {
	var req ListRequest
	if len(data) > 0 {
		if err := decode(data, &req); err != nil {
			return nil, err
		}
	}
	views, err := s.d.List(ctx, req.Status)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []tasks.View{}
	}
	return &ListResponse{Tasks: views, Count: len(views)}, nil
}

func (s *Server) cancel(ctx context.Context, data []byte) (any, error) {
	var req CancelRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.d.Cancel(ctx, req.TaskID); err != nil {
		return nil, err
	}
	return &CancelResponse{Message: "cancellation requested for task " + req.TaskID}, nil
}

// Close unsubscribes and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
