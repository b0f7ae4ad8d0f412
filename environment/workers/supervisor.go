// Package workers implements the Environment's background workers — the
// wake scheduler, heartbeat monitor, and the three retention cleaners —
// supervised under one shutdown context, per spec.md §4.4's "all workers
// are controlled by a single shutdown notification so the process can
// quiesce cleanly." Grounded on the pack's use of golang.org/x/sync/errgroup
// for goroutine supervision (hector's workflowagent.runParallel).
package workers

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker runs until ctx is cancelled, polling on its own interval.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs a set of Workers under one errgroup, so any worker's
// unrecoverable error cancels the shared context and the others unwind too.
type Supervisor struct {
	logger  *slog.Logger
	workers []Worker
}

func NewSupervisor(logger *slog.Logger, workers ...Worker) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, workers: workers}
}

// Run blocks until ctx is cancelled or a worker returns a non-context error.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			s.logger.Info("worker starting", "worker", w.Name())
			err := w.Run(gctx)
			if err != nil && gctx.Err() == nil {
				s.logger.Error("worker exited with error", "worker", w.Name(), "error", err)
			}
			return err
		})
	}
	return g.Wait()
}

// runTicker is a small helper shared by every poll-interval worker below:
// call fn every interval until ctx is cancelled, logging (not propagating)
// per-tick errors so one bad pass doesn't bring down the supervisor.
func runTicker(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("worker tick failed", "worker", name, "error", err)
			}
		}
	}
}
