// ABOUTME: Drives simulated modules against the master clock
// ABOUTME: Runs in virtual time for tests or in real time with one goroutine per module
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/syntalos/tsync-go/pkg/clock"
	"golang.org/x/sync/errgroup"
)

// Runner owns the modules of a run
type Runner struct {
	modules []Module
	log     logr.Logger
}

// NewRunner creates a runner for the given modules
func NewRunner(log logr.Logger, modules ...Module) *Runner {
	return &Runner{modules: modules, log: log.WithName("sim")}
}

// Modules returns the modules of the run
func (r *Runner) Modules() []Module {
	return r.modules
}

// Stats returns a snapshot of every module
func (r *Runner) Stats() []Stats {
	out := make([]Stats, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Stats())
	}
	return out
}

// Start starts all synchronizers, stopping the ones already started on failure
func (r *Runner) Start() error {
	for i, m := range r.modules {
		if err := m.Start(); err != nil {
			for _, started := range r.modules[:i] {
				started.Stop()
			}
			return fmt.Errorf("start %s: %w", m.Name(), err)
		}
	}
	return nil
}

// Stop stops all synchronizers
func (r *Runner) Stop() {
	for _, m := range r.modules {
		m.Stop()
	}
}

// RunVirtual advances the manual clock through all events up to untilUsec,
// in time order across modules
func (r *Runner) RunVirtual(clk *clock.Manual, untilUsec int64) {
	for {
		var next Module
		due := untilUsec + 1
		for _, m := range r.modules {
			if d := m.NextDueUsec(); d < due {
				due = d
				next = m
			}
		}
		if next == nil {
			return
		}
		clk.Set(due)
		next.Step()
	}
}

// RunRealtime steps every module in its own goroutine whenever the master
// clock reaches its next event. It returns when ctx is done.
func (r *Runner) RunRealtime(ctx context.Context, clk clock.MasterClock) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, m := range r.modules {
		g.Go(func() error {
			return r.pace(ctx, clk, m)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Runner) pace(ctx context.Context, clk clock.MasterClock, m Module) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	r.log.V(1).Info("Module running", "module", m.Name())
	for {
		wait := m.NextDueUsec() - clk.SinceStartUsec()
		if wait > 0 {
			timer.Reset(time.Duration(wait) * time.Microsecond)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		m.Step()
	}
}
