package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	derrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// DefaultRequestTimeout applies to calls whose context has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Client calls a dispatcher over the bus.
type Client struct {
	bus     bus.MessageBus
	timeout time.Duration
}

var _ Dispatcher = (*Client)(nil)

// NewClient creates a client. timeout <= 0 means DefaultRequestTimeout.
func NewClient(b bus.MessageBus, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{bus: b, timeout: timeout}
}

func (c *Client) call(ctx context.Context, subject string, req, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return derrors.Validation("encode request", derrors.WithCause(err))
	}

	msg, err := c.bus.Request(ctx, subject, body)
	switch {
	case errors.Is(err, bus.ErrNoResponders):
		return derrors.New(derrors.ErrCodeUnavailable, "no dispatcher is listening", derrors.WithCause(err))
	case errors.Is(err, bus.ErrTimeout):
		return derrors.Timeout("dispatcher did not reply", derrors.WithCause(err))
	case err != nil:
		return derrors.Wrap(err, "dispatcher request failed")
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInternal, "undecodable dispatcher reply")
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return derrors.WrapWithCode(err, derrors.ErrCodeInternal, "undecodable dispatcher reply")
	}
	return nil
}

// Submit implements Dispatcher.
func (c *Client) Submit(ctx context.Context, req router.SubmitRequest) (*router.SubmitResponse, error) {
	var resp router.SubmitResponse
	if err := c.call(ctx, SubjectSubmit, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus implements Dispatcher.
func (c *Client) GetStatus(ctx context.Context, id string) (*tasks.View, error) {
	var view tasks.View
	if err := c.call(ctx, SubjectStatus, StatusRequest{TaskID: id}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// List implements Dispatcher.
func (c *Client) List(ctx context.Context, status tasks.Status) ([]tasks.View, error) {
	var resp ListResponse
	if err := c.call(ctx, SubjectList, ListRequest{Status: status}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Cancel implements Dispatcher.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.CancelWithMessage(ctx, id)
	return err
}

// CancelWithMessage cancels a task and returns the dispatcher's
// acknowledgement.
func (c *Client) CancelWithMessage(ctx context.Context, id string) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.call(ctx, SubjectCancel, CancelRequest{TaskID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
