package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runtara/runtara/environment"
	"github.com/runtara/runtara/storage"
)

// HeartbeatMonitor finds containers whose last event predates
// heartbeatTimeout and marks the owning instance Failed, per spec.md §4.4's
// "heartbeat monitor" worker. It works against ListStaleContainers, which is
// keyed off the container registry's monotonic LastEventAt, so a monitor
// tick never double-fails an instance once its registration is removed.
type HeartbeatMonitor struct {
	store            environment.Store
	logger           *slog.Logger
	tickInterval     time.Duration
	heartbeatTimeout time.Duration
}

func NewHeartbeatMonitor(store environment.Store, logger *slog.Logger, tickInterval, heartbeatTimeout time.Duration) *HeartbeatMonitor {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{store: store, logger: logger, tickInterval: tickInterval, heartbeatTimeout: heartbeatTimeout}
}

func (h *HeartbeatMonitor) Name() string { return "heartbeat_monitor" }

func (h *HeartbeatMonitor) Run(ctx context.Context) error {
	return runTicker(ctx, h.tickInterval, h.logger, h.Name(), h.tick)
}

func (h *HeartbeatMonitor) tick(ctx context.Context) error {
	cutoff := time.Now().Add(-h.heartbeatTimeout).UnixNano()
	stale, err := h.store.ListStaleContainers(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, reg := range stale {
		msg := fmt.Sprintf("Instance stale: no heartbeat received since start at %s", reg.StartedAt.Format(time.RFC3339))
		if _, err := h.store.SetStatus(ctx, reg.InstanceID, storage.StatusFailed, nil, msg); err != nil {
			h.logger.Error("mark stale instance failed", "instance", reg.InstanceID, "error", err)
			continue
		}
		if err := h.store.DeleteContainerRegistration(ctx, reg.InstanceID); err != nil {
			h.logger.Error("delete stale container registration failed", "instance", reg.InstanceID, "error", err)
		}
		h.logger.Warn("instance marked failed for stale heartbeat", "instance", reg.InstanceID)
	}
	return nil
}
