// Package service wires the indexer's components into a single
// dependency-ordered lifecycle, grounded on chainlink's service.Service
// interface (embedded throughout broadcaster.go) and its
// utils.DependentAwaiter startup-ordering idiom.
package service

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/synfutures/oyster-indexer/internal/logger"
)

// Service is a single lifecycle-managed component: Start blocks until ctx is
// cancelled or a fatal error occurs; Close releases resources idempotently.
type Service interface {
	Start(ctx context.Context) error
	Close() error
}

// NamedService pairs a Service with a label for logging, matching the
// teacher's convention of naming each service in its startup/shutdown logs.
type NamedService struct {
	Name string
	Svc  Service
}

// Group runs a dependency-ordered set of Services: started in order, closed
// in reverse order, with Close() errors aggregated via multierr.
type Group struct {
	log     logger.Logger
	members []NamedService

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// NewGroup constructs an empty Group.
func NewGroup() *Group {
	return &Group{log: logger.With("service"), errCh: make(chan error, 8)}
}

// Add appends a service to the startup order. Call before Start.
func (g *Group) Add(name string, svc Service) {
	g.members = append(g.members, NamedService{Name: name, Svc: svc})
}

// Start launches every member's Start in its own goroutine, in the order
// added, and returns once all have been launched. The first fatal error
// from any member is available via Wait.
func (g *Group) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	g.running.Store(true)

	for _, m := range g.members {
		m := m
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.log.Infow("service: starting", "component", m.Name)
			if err := m.Svc.Start(ctx); err != nil && ctx.Err() == nil {
				g.log.Errorw("service: component exited with error", "component", m.Name, "err", err)
				select {
				case g.errCh <- err:
				default:
				}
				cancel()
			}
		}()
	}
	return nil
}

// Wait blocks until every member's Start goroutine has returned (either
// because ctx was cancelled or a fatal error triggered shutdown), then
// returns the first fatal error observed, if any.
func (g *Group) Wait() error {
	g.wg.Wait()
	select {
	case err := <-g.errCh:
		return err
	default:
		return nil
	}
}

// Close cancels the shared context (if Start was called) and closes every
// member in reverse dependency order, aggregating errors.
func (g *Group) Close() error {
	if !g.running.CAS(true, false) {
		return nil
	}

	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	var err error
	for i := len(g.members) - 1; i >= 0; i-- {
		m := g.members[i]
		g.log.Infow("service: closing", "component", m.Name)
		if cerr := m.Svc.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
