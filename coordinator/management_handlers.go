package coordinator

import (
	"context"
	"errors"

	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/storage"
)

// ManagementHandlers implements the operator-facing RPC surface: signal
// delivery, instance introspection, and checkpoint history.
type ManagementHandlers struct {
	store   storage.CoordinatorStore
	metrics *Metrics
	emitter emit.Emitter
}

func NewManagementHandlers(store storage.CoordinatorStore, metrics *Metrics) *ManagementHandlers {
	return &ManagementHandlers{store: store, metrics: metrics, emitter: emit.NewNullEmitter()}
}

// SetEmitter installs the observability sink events flow to.
func (h *ManagementHandlers) SetEmitter(e emit.Emitter) {
	if e != nil {
		h.emitter = e
	}
}

// SendSignal installs a Cancel/Pause/Resume signal. Sending Resume to an
// instance that isn't Suspended is an idempotent no-op (Open Question 2):
// the signal is still recorded so a PollSignals racing with the status
// transition observes it, but no error is returned either way.
func (h *ManagementHandlers) SendSignal(ctx context.Context, instanceID string, sigType storage.SignalType, payload []byte) error {
	sig := &storage.Signal{InstanceID: instanceID, SignalType: sigType, Payload: payload}
	if err := h.store.SendSignal(ctx, sig); err != nil {
		if errors.Is(err, storage.ErrSignalPending) {
			return &HandlerError{Message: "signal already pending", InstanceID: instanceID, Code: "SIGNAL_CONFLICT", Cause: ErrSignalConflict}
		}
		return &HandlerError{Message: "send signal", InstanceID: instanceID, Cause: err}
	}
	if h.metrics != nil {
		h.metrics.SignalsPending.Inc()
	}
	h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.signal", Msg: "signal_sent", Meta: map[string]any{"type": string(sigType)}})
	return nil
}

// SendCustomSignal installs or overwrites the payload a `wait_signal`
// checkpoint will observe. Delivery happens on the first Checkpoint call
// that commits that checkpoint id.
func (h *ManagementHandlers) SendCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	cs := &storage.CustomSignal{InstanceID: instanceID, CheckpointID: checkpointID, Payload: payload}
	if err := h.store.SendCustomSignal(ctx, cs); err != nil {
		return &HandlerError{Message: "send custom signal", InstanceID: instanceID, Cause: err}
	}
	return nil
}

// GetInstanceStatus returns the current instance row plus its most recent
// retry-attempt events, surfacing the audit trail a complete implementation
// needs for debugging flaky `#[durable]` actions (supplemented from
// original_source/, since spec.md's distillation dropped this endpoint).
func (h *ManagementHandlers) GetInstanceStatus(ctx context.Context, instanceID string, recentRetryLimit int) (*storage.Instance, []*storage.Event, error) {
	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, &HandlerError{Message: "unknown instance", InstanceID: instanceID, Code: "NOT_FOUND", Cause: ErrUnknownInstance}
		}
		return nil, nil, &HandlerError{Message: "get instance", InstanceID: instanceID, Cause: err}
	}
	retries, err := h.store.ListEvents(ctx, instanceID, storage.EventRetryAttempt, recentRetryLimit)
	if err != nil {
		return nil, nil, &HandlerError{Message: "list retry events", InstanceID: instanceID, Cause: err}
	}
	return inst, retries, nil
}

func (h *ManagementHandlers) ListInstances(ctx context.Context, tenantID string, status storage.InstanceStatus, limit int) ([]*storage.Instance, error) {
	instances, err := h.store.ListInstances(ctx, tenantID, status, limit)
	if err != nil {
		return nil, &HandlerError{Message: "list instances", Cause: err}
	}
	return instances, nil
}

// ListCheckpoints returns checkpoints after an opaque cursor (the previous
// page's last checkpoint id), rather than a numeric offset, so pagination
// stays stable even as new checkpoints are appended concurrently
// (supplemented from original_source/; see DESIGN.md).
func (h *ManagementHandlers) ListCheckpoints(ctx context.Context, instanceID, afterCheckpointID string, limit int) ([]*storage.Checkpoint, error) {
	cps, err := h.store.ListCheckpoints(ctx, instanceID, afterCheckpointID, limit)
	if err != nil {
		return nil, &HandlerError{Message: "list checkpoints", InstanceID: instanceID, Cause: err}
	}
	return cps, nil
}
