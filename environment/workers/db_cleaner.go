package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/runtara/runtara/environment"
)

// DBCleaner deletes terminal instances and their dependent rows
// (checkpoints, events, signals, wakes) past retention, per spec.md §4.4's
// "DB cleaner".
type DBCleaner struct {
	store        environment.Store
	logger       *slog.Logger
	tickInterval time.Duration
	retention    time.Duration
	batchSize    int
}

func NewDBCleaner(store environment.Store, logger *slog.Logger, tickInterval, retention time.Duration) *DBCleaner {
	if tickInterval <= 0 {
		tickInterval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DBCleaner{store: store, logger: logger, tickInterval: tickInterval, retention: retention, batchSize: 500}
}

func (c *DBCleaner) Name() string { return "db_cleaner" }

func (c *DBCleaner) Run(ctx context.Context) error {
	return runTicker(ctx, c.tickInterval, c.logger, c.Name(), c.tick)
}

func (c *DBCleaner) tick(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	instances, err := c.store.ListTerminalInstances(ctx, cutoff, c.batchSize)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := c.store.DeleteInstance(ctx, inst.InstanceID); err != nil {
			c.logger.Error("delete terminal instance failed", "instance", inst.InstanceID, "error", err)
		}
	}
	return nil
}
