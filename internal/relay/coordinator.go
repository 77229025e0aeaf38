package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle phase of the relay process.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraining:
		return "draining"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Stopper is a component that stops taking new work on shutdown, such as the
// upgrade handler or the HTTP listener.
type Stopper interface {
	Shutdown(ctx context.Context) error
}

// Coordinator drives the one-way transition Idle -> Draining -> Terminated.
type Coordinator struct {
	registry *Registry
	stoppers []Stopper
	clock    clockwork.Clock
	phase    atomic.Int32
	done     chan struct{}
}

// NewCoordinator creates a coordinator. Stoppers are shut down in the given order
// before live connections are drained.
func NewCoordinator(registry *Registry, clock clockwork.Clock, stoppers ...Stopper) *Coordinator {
	return &Coordinator{
		registry: registry,
		stoppers: stoppers,
		clock:    clock,
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// Done is closed once the coordinator reached PhaseTerminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown stops accepting connections, closes every live connection and
// releases the listener. Only the first call does anything.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseDraining)) {
		return nil
	}
	start := c.clock.Now()

	remaining := c.registry.Close()
	slog.Info("Draining connections", "connections", len(remaining))

	var errs []error
	for _, s := range c.stoppers {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// Each Close is bounded by the connection's drain timeout.
	var g errgroup.Group
	for _, conn := range remaining {
		g.Go(func() error {
			conn.Close("server shutting down")
			return nil
		})
	}
	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain interrupted: %w", ctx.Err()))
		for _, conn := range remaining {
			conn.release()
		}
	}

	c.phase.Store(int32(PhaseTerminated))
	close(c.done)
	slog.Info("Shutdown complete", "disconnected_clients", len(remaining), "duration", c.clock.Since(start))

	return errors.Join(errs...)
}
