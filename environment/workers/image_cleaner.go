package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/runtara/runtara/environment"
)

// ImageCleaner deletes images past retention that no non-terminal instance
// currently references, per spec.md §4.4's "image cleaner".
type ImageCleaner struct {
	store        environment.Store
	logger       *slog.Logger
	tickInterval time.Duration
	retention    time.Duration
	batchSize    int
}

func NewImageCleaner(store environment.Store, logger *slog.Logger, tickInterval, retention time.Duration) *ImageCleaner {
	if tickInterval <= 0 {
		tickInterval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageCleaner{store: store, logger: logger, tickInterval: tickInterval, retention: retention, batchSize: 500}
}

func (c *ImageCleaner) Name() string { return "image_cleaner" }

func (c *ImageCleaner) Run(ctx context.Context) error {
	return runTicker(ctx, c.tickInterval, c.logger, c.Name(), c.tick)
}

func (c *ImageCleaner) tick(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	images, err := c.store.ListUnreferencedImages(ctx, cutoff, c.batchSize)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := c.store.DeregisterImage(ctx, img.ImageID); err != nil {
			c.logger.Error("deregister unreferenced image failed", "image", img.ImageID, "error", err)
		}
	}
	return nil
}
