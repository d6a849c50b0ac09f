package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/state"
)

// Purger errors.
var (
	ErrPurgerStarted    = errors.New("purger already started")
	ErrPurgerNotStarted = errors.New("purger not started")
)

// Purge deletes records whose retention has run out from backends that
// keep expired entries until asked. Backends without bulk expiry report 0.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	p, ok := s.backend.(state.Purger)
	if !ok {
		return 0, nil
	}
	return p.Purge(ctx)
}

// Purger runs Store.Purge on a fixed interval.
type Purger struct {
	store    *Store
	interval time.Duration
	log      *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPurger creates a purger for store. It does nothing until started.
func NewPurger(store *Store, interval time.Duration, log *logging.Logger) *Purger {
	if log == nil {
		log = logging.Discard()
	}
	return &Purger{
		store:    store,
		interval: interval,
		log:      log.WithComponent("purger"),
	}
}

// Start begins purging in the background until Stop or ctx ends.
func (p *Purger) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return ErrPurgerStarted
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *Purger) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.purge(ctx)
		}
	}
}

func (p *Purger) purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	n, err := p.store.Purge(ctx)
	if err != nil {
		p.log.Warn("purge_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		p.log.Debug("purged", map[string]interface{}{"count": n})
	}
}

// Stop ends the background loop and waits for a running purge to finish.
func (p *Purger) Stop() error {
	if !p.running.Swap(false) {
		return ErrPurgerNotStarted
	}
	close(p.stopCh)
	<-p.doneCh
	return nil
}
