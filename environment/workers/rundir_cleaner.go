package workers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/runtara/runtara/environment"
)

// RunDirCleaner removes completed-instance work directories
// ($DATA_DIR/$TENANT/runs/$INSTANCE) older than retention, per spec.md
// §4.4's "run-directory cleaner".
type RunDirCleaner struct {
	store        environment.Store
	dataDir      string
	logger       *slog.Logger
	tickInterval time.Duration
	retention    time.Duration
	batchSize    int
}

func NewRunDirCleaner(store environment.Store, dataDir string, logger *slog.Logger, tickInterval, retention time.Duration) *RunDirCleaner {
	if tickInterval <= 0 {
		tickInterval = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunDirCleaner{store: store, dataDir: dataDir, logger: logger, tickInterval: tickInterval, retention: retention, batchSize: 500}
}

func (c *RunDirCleaner) Name() string { return "rundir_cleaner" }

func (c *RunDirCleaner) Run(ctx context.Context) error {
	return runTicker(ctx, c.tickInterval, c.logger, c.Name(), c.tick)
}

func (c *RunDirCleaner) tick(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	instances, err := c.store.ListTerminalInstances(ctx, cutoff, c.batchSize)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		dir := filepath.Join(c.dataDir, inst.TenantID, "runs", inst.InstanceID)
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Error("remove run directory failed", "instance", inst.InstanceID, "dir", dir, "error", err)
		}
	}
	return nil
}
