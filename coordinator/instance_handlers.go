// Package coordinator implements the Coordinator process: the durable
// system of record for instance state, checkpoints, events, and signals.
// It exposes two RPC surfaces (§4.1 instance endpoint, §4.2 management
// endpoint) backed by one storage.CoordinatorStore.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/storage"
)

// InstanceHandlers implements the instance-facing RPC surface that the
// runtime SDK calls from inside a running workflow.
type InstanceHandlers struct {
	store   storage.CoordinatorStore
	metrics *Metrics
	emitter emit.Emitter

	// InProcessSleepThreshold is the durable-sleep cutoff below which Sleep
	// returns immediately (the caller blocks in-process) instead of
	// scheduling a wake-queue entry and suspending. Resolves Open Question
	// 1: default 5s. The runtime SDK applies its own cutoff,
	// runtime.Config.InProcessSleepThreshold, read from
	// RUNTARA_INPROCESS_SLEEP_THRESHOLD_MS.
	InProcessSleepThreshold time.Duration
}

func NewInstanceHandlers(store storage.CoordinatorStore, metrics *Metrics) *InstanceHandlers {
	return &InstanceHandlers{store: store, metrics: metrics, emitter: emit.NewNullEmitter(), InProcessSleepThreshold: 5 * time.Second}
}

// SetEmitter installs the observability sink events flow to; the zero value
// (NullEmitter, from NewInstanceHandlers) discards everything.
func (h *InstanceHandlers) SetEmitter(e emit.Emitter) {
	if e != nil {
		h.emitter = e
	}
}

// RegisterInstance is the instance-facing activation call the runtime SDK
// makes at startup: it requires a Pending or Running row already created by
// the Environment's StartInstance, transitions Pending to Running (setting
// started_at on first activation and storing checkpointID as the resume
// cursor), and returns a terminal instance's status unchanged so a respawn
// that lost the race observes the final state.
func (h *InstanceHandlers) RegisterInstance(ctx context.Context, instanceID, tenantID, checkpointID string) (*storage.Instance, error) {
	saved, err := h.store.ActivateInstance(ctx, instanceID, tenantID, checkpointID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, &HandlerError{Message: "register unknown instance", InstanceID: instanceID, Code: "NOT_FOUND", Cause: ErrUnknownInstance}
		case errors.Is(err, storage.ErrInvalidArgument):
			return nil, &HandlerError{Message: "register instance with invalid tenant", InstanceID: instanceID, Code: "INVALID_ARGUMENT", Cause: ErrInvalidTenant}
		default:
			return nil, &HandlerError{Message: "register instance", InstanceID: instanceID, Cause: err}
		}
	}
	h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.register", Msg: "instance_registered", Meta: map[string]any{"status": string(saved.Status)}})
	return saved, nil
}

// Checkpoint durably commits state under checkpointID, advancing the
// instance's checkpoint pointer. token is a caller-supplied idempotency
// token (the runtime SDK passes the checkpoint id itself); retried
// calls with the same (instanceID, checkpointID, token) return the
// already-saved checkpoint rather than re-applying it. Any custom signal
// waiting on this checkpoint is delivered back in the response and is
// never re-observed afterward (Open Question 3). On a fresh save (not a
// resume), any pending non-custom signal is piggybacked on the response
// too (spec.md §4.1 step 4) so the caller can act on it without a
// separate PollSignals round trip.
func (h *InstanceHandlers) Checkpoint(ctx context.Context, instanceID, checkpointID string, state []byte, token string, newStatus storage.InstanceStatus) (cp2 *storage.Checkpoint, found bool, pending *storage.Signal, consumed *storage.CustomSignal, err error) {
	key := computeIdempotencyKey(instanceID, checkpointID, token)
	cp := &storage.Checkpoint{InstanceID: instanceID, CheckpointID: checkpointID, State: state}

	saved, found, consumed, err := h.store.SaveCheckpoint(ctx, key, cp, newStatus)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, false, nil, nil, &HandlerError{Message: "checkpoint on unknown instance", InstanceID: instanceID, Code: "NOT_FOUND", Cause: ErrUnknownInstance}
		case errors.Is(err, storage.ErrTerminalInstance):
			return nil, false, nil, nil, &HandlerError{Message: "checkpoint on terminal instance", InstanceID: instanceID, Code: "TERMINAL_INSTANCE", Cause: ErrTerminal}
		default:
			return nil, false, nil, nil, &HandlerError{Message: "save checkpoint", InstanceID: instanceID, Cause: err}
		}
	}
	if h.metrics != nil {
		h.metrics.CheckpointsTotal.Inc()
		if found {
			h.metrics.CheckpointConflictsTotal.Inc()
		}
	}
	msg := "checkpoint_saved"
	if found {
		msg = "checkpoint_fetched"
	}
	h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.checkpoint", Msg: msg, Meta: map[string]any{"checkpoint_id": checkpointID}})

	if !found {
		sig, _, pollErr := h.store.PollSignals(ctx, instanceID, "")
		if pollErr != nil {
			return nil, false, nil, nil, &HandlerError{Message: "peek pending signal", InstanceID: instanceID, Cause: pollErr}
		}
		pending = sig
	}
	return saved, found, pending, consumed, nil
}

// GetCheckpoint fetches a previously committed checkpoint, for resume after
// a crash or container restart.
func (h *InstanceHandlers) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*storage.Checkpoint, error) {
	cp, err := h.store.GetCheckpoint(ctx, instanceID, checkpointID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &HandlerError{Message: "checkpoint not found", InstanceID: instanceID, Code: "NOT_FOUND", Cause: err}
		}
		return nil, &HandlerError{Message: "get checkpoint", InstanceID: instanceID, Cause: err}
	}
	return cp, nil
}

// Sleep durably schedules a wake at now+duration. A duration below
// InProcessSleepThreshold schedules no wake entry and leaves the status
// unchanged, since the caller sleeps in-process; the runtime SDK makes
// the same decision before issuing the RPC.
func (h *InstanceHandlers) Sleep(ctx context.Context, instanceID, checkpointID string, duration time.Duration) (time.Time, error) {
	wakeAt := time.Now().Add(duration)
	if duration < h.InProcessSleepThreshold {
		return wakeAt, nil
	}
	w := &storage.WakeEntry{InstanceID: instanceID, CheckpointID: checkpointID, WakeAt: wakeAt}
	if err := h.store.ScheduleWake(ctx, w); err != nil {
		return time.Time{}, &HandlerError{Message: "schedule wake", InstanceID: instanceID, Cause: err}
	}
	if _, err := h.store.SetStatus(ctx, instanceID, storage.StatusSuspended, nil, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, &HandlerError{Message: "suspend for sleep", InstanceID: instanceID, Cause: err}
	}
	return wakeAt, nil
}

// InstanceEvent appends an observability event (heartbeat, progress,
// terminal transition, or custom application event) to the instance log.
func (h *InstanceHandlers) InstanceEvent(ctx context.Context, instanceID string, eventType storage.EventType, checkpointID string, payload []byte) (*storage.Event, error) {
	ev := &storage.Event{InstanceID: instanceID, EventType: eventType, CheckpointID: checkpointID, Payload: payload}
	saved, err := h.store.AppendEvent(ctx, ev)
	if err != nil {
		return nil, &HandlerError{Message: "append event", InstanceID: instanceID, Cause: err}
	}

	switch eventType {
	case storage.EventCompleted:
		if _, err := h.store.SetStatus(ctx, instanceID, storage.StatusCompleted, payload, ""); err != nil {
			return nil, &HandlerError{Message: "mark completed", InstanceID: instanceID, Cause: err}
		}
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.lifecycle", Msg: "instance_completed"})
	case storage.EventFailed:
		if _, err := h.store.SetStatus(ctx, instanceID, storage.StatusFailed, nil, string(payload)); err != nil {
			return nil, &HandlerError{Message: "mark failed", InstanceID: instanceID, Cause: err}
		}
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.lifecycle", Msg: "instance_failed", Meta: map[string]any{"error": string(payload)}})
	case storage.EventSuspended:
		if _, err := h.store.SetStatus(ctx, instanceID, storage.StatusSuspended, nil, ""); err != nil {
			return nil, &HandlerError{Message: "mark suspended", InstanceID: instanceID, Cause: err}
		}
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "coordinator.lifecycle", Msg: "instance_suspended"})
	}
	return saved, nil
}

// PollSignals returns any outstanding signal the caller should act on: the
// single pending non-custom signal (Cancel/Pause/Resume), and any custom
// signal keyed to waitCheckpointID. Neither is acknowledged by this call.
func (h *InstanceHandlers) PollSignals(ctx context.Context, instanceID, waitCheckpointID string) (*storage.Signal, *storage.CustomSignal, error) {
	sig, cs, err := h.store.PollSignals(ctx, instanceID, waitCheckpointID)
	if err != nil {
		return nil, nil, &HandlerError{Message: "poll signals", InstanceID: instanceID, Cause: err}
	}
	return sig, cs, nil
}

// SignalAck acknowledges the pending non-custom signal. Idempotent: acking
// an absent or already-acked signal is a no-op, since a retried ack after a
// crash must not error.
func (h *InstanceHandlers) SignalAck(ctx context.Context, instanceID string) error {
	if err := h.store.AckSignal(ctx, instanceID); err != nil {
		return &HandlerError{Message: "ack signal", InstanceID: instanceID, Cause: err}
	}
	return nil
}

// RetryAttempt records one retry of a `#[durable]` action and reports how
// many attempts remain against the instance's MaxAttempts budget.
func (h *InstanceHandlers) RetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int, errMsg string) (int, error) {
	payload := storage.RetryAttemptPayload{CheckpointID: checkpointID, Attempt: attempt, Error: errMsg}
	encoded, err := encodeRetryPayload(payload)
	if err != nil {
		return 0, &HandlerError{Message: "encode retry payload", InstanceID: instanceID, Cause: err}
	}
	if _, err := h.store.AppendEvent(ctx, &storage.Event{
		InstanceID: instanceID, EventType: storage.EventRetryAttempt, CheckpointID: checkpointID, Payload: encoded,
	}); err != nil {
		return 0, &HandlerError{Message: "append retry event", InstanceID: instanceID, Cause: err}
	}
	if h.metrics != nil {
		h.metrics.RetriesTotal.Inc()
	}

	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return 0, &HandlerError{Message: "load instance for retry budget", InstanceID: instanceID, Cause: err}
	}
	remaining := inst.MaxAttempts - attempt
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func encodeRetryPayload(p storage.RetryAttemptPayload) ([]byte, error) {
	return json.Marshal(p)
}
