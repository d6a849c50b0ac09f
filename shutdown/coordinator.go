package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskdispatch/logging"
)

// DefaultTimeout bounds a shutdown started by Run when none is given.
const DefaultTimeout = 30 * time.Second

type registration struct {
	name    string
	handler Handler
	phase   int
}

// Coordinator runs registered handlers phase by phase. Handlers within a
// phase run concurrently. A failing handler does not stop later phases.
type Coordinator struct {
	log *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	err    error
	result *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.New()
	}
	return &Coordinator{
		log:  logger.WithComponent("shutdown"),
		done: make(chan struct{}),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn as a handler.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Run blocks until ctx ends, typically a context from signal.NotifyContext,
// then shuts down with timeout. It returns early if Shutdown is called
// directly.
func (c *Coordinator) Run(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
	case <-c.done:
		return c.err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.log.Info("shutdown_started", map[string]interface{}{"timeout": timeout.String()})

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := c.Shutdown(sctx)
	if errors.Is(err, ErrAlreadyShutdown) {
		<-c.done
		return c.err
	}
	return err
}

// Shutdown runs every handler once. Later calls return ErrAlreadyShutdown.
// The returned error joins every handler failure.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.result, c.err = c.run(ctx)
		close(c.done)
	})
	if !first {
		return ErrAlreadyShutdown
	}
	return c.err
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the per-handler outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) (*Result, error) {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	var errs []error
	for _, group := range groupByPhase(handlers) {
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
	}
	result.TotalDuration = time.Since(start)

	fields := map[string]interface{}{"duration_ms": result.TotalDuration.Milliseconds()}
	if len(errs) > 0 {
		fields["failed"] = result.FailedHandlers()
		c.log.Warn("shutdown_finished", fields)
	} else {
		c.log.Info("shutdown_finished", fields)
	}
	return result, errors.Join(errs...)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))

	var g errgroup.Group
	for i, r := range group {
		i, r := i, r
		g.Go(func() error {
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": results[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("shutdown_handler_failed", fields)
			} else {
				c.log.Debug("shutdown_handler_done", fields)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// groupByPhase splits handlers sorted by phase into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
