package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/runtara/runtara/environment"
)

// WakeScheduler polls the wake queue and relaunches due instances, per
// spec.md §4.4's "wake scheduler" worker.
type WakeScheduler struct {
	store        environment.Store
	handlers     *environment.Handlers
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewWakeScheduler returns a worker that polls every pollInterval (default
// 5s) for up to batchSize (default 50) due wake entries and relaunches each
// through handlers.ResumeInstance, whose Suspended→Running transition and
// ResumeCheckpointID wiring matches what a relaunched wake requires.
func NewWakeScheduler(store environment.Store, handlers *environment.Handlers, logger *slog.Logger, pollInterval time.Duration, batchSize int) *WakeScheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeScheduler{store: store, handlers: handlers, logger: logger, pollInterval: pollInterval, batchSize: batchSize}
}

func (w *WakeScheduler) Name() string { return "wake_scheduler" }

func (w *WakeScheduler) Run(ctx context.Context) error {
	return runTicker(ctx, w.pollInterval, w.logger, w.Name(), w.tick)
}

func (w *WakeScheduler) tick(ctx context.Context) error {
	due, err := w.store.DueWakes(ctx, time.Now(), w.batchSize)
	if err != nil {
		return err
	}
	for _, entry := range due {
		if err := w.handlers.ResumeInstance(ctx, entry.InstanceID); err != nil {
			// Failures are logged and the entry is retried next pass, per
			// spec.md §4.4.
			w.logger.Error("wake relaunch failed, will retry", "instance", entry.InstanceID, "error", err)
			continue
		}
		if err := w.store.DeleteWake(ctx, entry.InstanceID, entry.CheckpointID); err != nil {
			w.logger.Error("delete wake entry failed", "instance", entry.InstanceID, "error", err)
		}
	}
	return nil
}
