package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/runtara/runtara/rpc"
	"github.com/runtara/runtara/storage"
)

// CheckpointResult is what the #[durable] wrapper and generated step code
// see back from a Checkpoint call: whether state was already saved (a
// resume) and any signal piggybacked on the save (spec.md §4.1 step 4).
type CheckpointResult struct {
	Found            bool
	State            []byte
	PendingSignal    storage.SignalType
	HasCustomSignal  bool
	CustomSignalData []byte
}

// Backend is the orchestration-state half of the instance-side SDK: the
// mutex-guarded view over a single Client connection to the Coordinator.
// Per spec.md §5/§9's "transport client vs. orchestration state" split, the
// Client itself is cheap to share; Backend additionally tracks local
// dedup/cancellation state that must not race with the background
// heartbeat task, so every method here takes the mutex.
type Backend struct {
	client *rpc.Client
	cfg    Config

	mu            sync.Mutex
	handledSignal map[storage.SignalType]bool // dedup: signal seen via Checkpoint AND PollSignals
	cancelled     bool
}

// NewBackend dials addr lazily (on first RPC) and wraps it for SDK use.
func NewBackend(cfg Config) *Backend {
	return &Backend{
		client:        rpc.NewClient(cfg.ServerAddr, 30*time.Second),
		cfg:           cfg,
		handledSignal: make(map[storage.SignalType]bool),
	}
}

// Client returns the shared transport handle, for the background heartbeat
// task, which must call through it WITHOUT taking Backend's mutex (spec.md
// §4.3: "it must not take the runtime's outer mutex").
func (b *Backend) Client() *rpc.Client { return b.client }

func (b *Backend) Close() error { return b.client.Close() }

// Register performs RegisterInstance, returning the confirmed resume
// checkpoint id (empty on a fresh start).
func (b *Backend) Register(ctx context.Context) (string, error) {
	req := rpc.RegisterInstanceRequest{
		InstanceID:   b.cfg.InstanceID,
		TenantID:     b.cfg.TenantID,
		CheckpointID: b.cfg.ResumeCheckpointID,
	}
	var resp rpc.RegisterInstanceResponse
	if err := b.client.Call(rpc.TypeRegisterInstanceRequest, req, &resp); err != nil {
		return "", &RuntimeError{Message: "register instance", Cause: err}
	}
	return resp.CheckpointID, nil
}

// Checkpoint is the save-or-fetch primitive (spec.md §4.1). checkpointID
// doubles as the idempotency key: it is the natural, stable token for a
// given step, since a retried RPC for the same step must be treated as
// the same logical attempt.
func (b *Backend) Checkpoint(ctx context.Context, checkpointID string, state []byte) (CheckpointResult, error) {
	req := rpc.CheckpointRequest{
		InstanceID:     b.cfg.InstanceID,
		CheckpointID:   checkpointID,
		State:          state,
		IdempotencyKey: checkpointID,
	}
	var resp rpc.CheckpointResponse
	if err := b.client.Call(rpc.TypeCheckpointRequest, req, &resp); err != nil {
		if rpc.IsRemoteCode(err, rpc.ErrCodeTerminalInstance) {
			return CheckpointResult{}, ErrCancelled
		}
		return CheckpointResult{}, &RuntimeError{Message: "checkpoint", CheckpointID: checkpointID, Cause: err}
	}

	return CheckpointResult{
		Found:            resp.Found,
		State:            resp.State,
		PendingSignal:    storage.SignalType(resp.PendingSignal),
		HasCustomSignal:  resp.HasCustomData,
		CustomSignalData: resp.CustomSignal,
	}, nil
}

// GetCheckpoint is a pure read, no side effects.
func (b *Backend) GetCheckpoint(ctx context.Context, checkpointID string) (CheckpointResult, error) {
	req := rpc.GetCheckpointRequest{InstanceID: b.cfg.InstanceID, CheckpointID: checkpointID}
	var resp rpc.GetCheckpointResponse
	if err := b.client.Call(rpc.TypeGetCheckpointRequest, req, &resp); err != nil {
		if rpc.IsRemoteCode(err, rpc.ErrCodeNotFound) {
			return CheckpointResult{Found: false}, nil
		}
		return CheckpointResult{}, &RuntimeError{Message: "get checkpoint", CheckpointID: checkpointID, Cause: err}
	}
	return CheckpointResult{Found: true, State: resp.State}, nil
}

// Sleep durably waits duration, obeying Open Question 1's resolution
// (spec.md §9): durations below cfg.InProcessSleepThreshold are handled
// with a plain in-process timer (after saving state so a crash mid-wait
// still resumes correctly); longer durations go through the Coordinator's
// wake queue, which requires the caller to then exit the process (the
// compiler's generated code does this by returning a "sleeping" sentinel
// that the top-level wrapper turns into output.json).
func (b *Backend) Sleep(ctx context.Context, checkpointID string, state []byte, d time.Duration) (inProcess bool, wakeAt time.Time, err error) {
	if d < b.cfg.InProcessSleepThreshold {
		if _, cpErr := b.Checkpoint(ctx, checkpointID, state); cpErr != nil {
			return false, time.Time{}, cpErr
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true, time.Now(), nil
		case <-ctx.Done():
			return false, time.Time{}, ctx.Err()
		}
	}

	req := rpc.SleepRequest{InstanceID: b.cfg.InstanceID, CheckpointID: checkpointID, Duration: d}
	var resp rpc.SleepResponse
	if err := b.client.Call(rpc.TypeSleepRequest, req, &resp); err != nil {
		return false, time.Time{}, &RuntimeError{Message: "sleep", CheckpointID: checkpointID, Cause: err}
	}
	return false, resp.WakeAt, nil
}

func (b *Backend) event(ctx context.Context, eventType storage.EventType, checkpointID string, payload []byte) error {
	req := rpc.InstanceEventRequest{
		InstanceID:   b.cfg.InstanceID,
		EventType:    string(eventType),
		CheckpointID: checkpointID,
		Payload:      payload,
	}
	var resp rpc.InstanceEventResponse
	if err := b.client.Call(rpc.TypeInstanceEventRequest, req, &resp); err != nil {
		return &RuntimeError{Message: "emit " + string(eventType) + " event", CheckpointID: checkpointID, Cause: err}
	}
	return nil
}

// Heartbeat is called by the background heartbeat task through Client()
// directly, bypassing Backend's mutex; this method is exposed for the
// synchronous foreground path (a step that wants to heartbeat explicitly).
func (b *Backend) Heartbeat(ctx context.Context) error {
	return b.event(ctx, storage.EventHeartbeat, "", nil)
}

func (b *Backend) Completed(ctx context.Context, output []byte) error {
	return b.event(ctx, storage.EventCompleted, "", output)
}

func (b *Backend) Failed(ctx context.Context, errMsg string) error {
	return b.event(ctx, storage.EventFailed, "", []byte(errMsg))
}

func (b *Backend) Suspended(ctx context.Context) error {
	return b.event(ctx, storage.EventSuspended, "", nil)
}

func (b *Backend) CustomEvent(ctx context.Context, payload []byte) error {
	return b.event(ctx, storage.EventCustom, "", payload)
}

// RetryAttempt audits one #[durable] retry and returns the attempts
// remaining against the instance's MaxAttempts budget.
func (b *Backend) RetryAttempt(ctx context.Context, checkpointID string, attempt int, errMsg string) (int, error) {
	req := rpc.RetryAttemptRequest{InstanceID: b.cfg.InstanceID, CheckpointID: checkpointID, Attempt: attempt, Error: errMsg}
	var resp rpc.RetryAttemptResponse
	if err := b.client.Call(rpc.TypeRetryAttemptRequest, req, &resp); err != nil {
		return 0, &RuntimeError{Message: "retry attempt", CheckpointID: checkpointID, Cause: err}
	}
	return resp.AttemptsRemaining, nil
}

// PollSignals fetches the pending non-custom signal without consuming it,
// for long inner loops that check cancellation between checkpoints.
func (b *Backend) PollSignals(ctx context.Context, waitCheckpointID string) (storage.SignalType, error) {
	req := rpc.PollSignalsRequest{InstanceID: b.cfg.InstanceID, WaitCheckpointID: waitCheckpointID}
	var resp rpc.PollSignalsResponse
	if err := b.client.Call(rpc.TypePollSignalsRequest, req, &resp); err != nil {
		return "", &RuntimeError{Message: "poll signals", Cause: err}
	}
	return storage.SignalType(resp.PendingSignal), nil
}

// SignalAck acknowledges the pending non-custom signal.
func (b *Backend) SignalAck(ctx context.Context, accepted bool) error {
	req := rpc.SignalAckRequest{InstanceID: b.cfg.InstanceID}
	var resp rpc.SignalAckResponse
	if err := b.client.Call(rpc.TypeSignalAckRequest, req, &resp); err != nil {
		return &RuntimeError{Message: "signal ack", Cause: err}
	}
	return nil
}

// DedupSignal is the SDK-wide dedup point (spec.md §5): a signal may be
// observed via a Checkpoint piggyback or via PollSignals, but must only be
// acted on once. Returns true the first time sigType is seen; generated
// step code calls this before acting on a PendingSignal so an instance
// that observes the same Cancel both via a Checkpoint response and a
// subsequent PollSignals only acknowledges and reacts to it once.
func (b *Backend) DedupSignal(sigType storage.SignalType) bool {
	if sigType == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handledSignal[sigType] {
		return false
	}
	b.handledSignal[sigType] = true
	return true
}

// CheckCancelled polls for a pending Cancel signal out of band from any
// checkpoint and, if found, acknowledges and returns ErrCancelled. Intended
// for long inner loops per spec.md §4.3/§5.
func (b *Backend) CheckCancelled(ctx context.Context) error {
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		return ErrCancelled
	}
	b.mu.Unlock()

	sigType, err := b.PollSignals(ctx, "")
	if err != nil {
		return err
	}
	if sigType != storage.SignalCancel {
		return nil
	}
	if !b.DedupSignal(sigType) {
		return nil
	}
	if err := b.SignalAck(ctx, true); err != nil {
		return err
	}
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
	return ErrCancelled
}
