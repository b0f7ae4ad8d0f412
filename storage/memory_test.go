package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T, store CoordinatorStore, instanceID string) {
	t.Helper()
	_, err := store.RegisterInstance(context.Background(), &Instance{
		InstanceID: instanceID, TenantID: "T", Status: StatusPending, MaxAttempts: 3,
	})
	require.NoError(t, err)
}

func TestMemoryStore_SaveCheckpoint_SaveOrFetch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	cp, found, consumed, err := store.SaveCheckpoint(ctx, "k1", &Checkpoint{InstanceID: "I1", CheckpointID: "s1", State: []byte{0x01}}, StatusRunning)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, consumed)
	require.Equal(t, []byte{0x01}, cp.State)

	// A second save under a different idempotency token for the same
	// checkpoint id is a fetch: it must return the originally saved state,
	// not the new bytes, per spec.md §8 Invariant 1.
	cp2, found2, _, err := store.SaveCheckpoint(ctx, "k2", &Checkpoint{InstanceID: "I1", CheckpointID: "s1", State: []byte{0xFF}}, StatusRunning)
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, []byte{0x01}, cp2.State)
}

func TestMemoryStore_SaveCheckpoint_UnknownInstance(t *testing.T) {
	store := NewMemoryStore()
	_, _, _, err := store.SaveCheckpoint(context.Background(), "k1", &Checkpoint{InstanceID: "ghost", CheckpointID: "s1"}, StatusRunning)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TerminalStickiness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	_, err := store.SetStatus(ctx, "I1", StatusCompleted, []byte(`{"ok":true}`), "")
	require.NoError(t, err)

	_, err = store.SetStatus(ctx, "I1", StatusRunning, nil, "")
	require.ErrorIs(t, err, ErrTerminalInstance)

	inst, err := store.GetInstance(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
}

func TestMemoryStore_SendSignal_PauseOverridesPause(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalPause}))
	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalPause}))

	sig, _, err := store.PollSignals(ctx, "I1", "")
	require.NoError(t, err)
	require.Equal(t, SignalPause, sig.SignalType)
}

func TestMemoryStore_SendSignal_CancelReplacesPendingPause(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalPause}))
	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalCancel}))

	sig, _, err := store.PollSignals(ctx, "I1", "")
	require.NoError(t, err)
	require.Equal(t, SignalCancel, sig.SignalType)
}

func TestMemoryStore_SendSignal_RejectsSecondCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalCancel}))
	err := store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalPause})
	require.ErrorIs(t, err, ErrSignalPending)
}

func TestMemoryStore_AckSignal_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	require.NoError(t, store.SendSignal(ctx, &Signal{InstanceID: "I1", SignalType: SignalPause}))
	require.NoError(t, store.AckSignal(ctx, "I1"))
	require.NoError(t, store.AckSignal(ctx, "I1")) // acking an already-acked signal is a no-op

	sig, _, err := store.PollSignals(ctx, "I1", "")
	require.NoError(t, err)
	require.Nil(t, sig) // acknowledged signals are not re-delivered
}

func TestMemoryStore_CustomSignal_ConsumedOnSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	require.NoError(t, store.SendCustomSignal(ctx, &CustomSignal{InstanceID: "I1", CheckpointID: "wait1", Payload: []byte(`"go"`)}))

	_, _, consumed, err := store.SaveCheckpoint(ctx, "k1", &Checkpoint{InstanceID: "I1", CheckpointID: "wait1"}, StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	require.Equal(t, []byte(`"go"`), consumed.Payload)

	// A retried fetch of the same checkpoint must not re-observe the signal.
	_, found, consumed2, err := store.SaveCheckpoint(ctx, "k2", &Checkpoint{InstanceID: "I1", CheckpointID: "wait1"}, StatusRunning)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, consumed2)
}

func TestMemoryStore_DueWakes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	require.NoError(t, store.ScheduleWake(ctx, &WakeEntry{InstanceID: "I1", CheckpointID: "wake1", WakeAt: past}))

	due, err := store.DueWakes(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "wake1", due[0].CheckpointID)

	due2, err := store.DueWakes(ctx, future, 10)
	require.NoError(t, err)
	require.Len(t, due2, 1) // still due relative to a future cutoff
}

func TestMemoryStore_RegisterInstance_TerminalReturnsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")
	_, err := store.SetStatus(ctx, "I1", StatusCancelled, nil, "")
	require.NoError(t, err)

	saved, err := store.RegisterInstance(ctx, &Instance{InstanceID: "I1", TenantID: "T", Status: StatusPending})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, saved.Status)
}

func TestMemoryStore_ActivateInstance_TransitionsPendingToRunning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	saved, err := store.ActivateInstance(ctx, "I1", "T", "ckpt-7")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, saved.Status)
	require.NotNil(t, saved.StartedAt)
	require.Equal(t, "ckpt-7", saved.CheckpointID)

	// Re-activating an already-Running instance is idempotent.
	saved2, err := store.ActivateInstance(ctx, "I1", "T", "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, saved2.Status)
}

func TestMemoryStore_ActivateInstance_UnknownInstance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.ActivateInstance(ctx, "ghost", "T", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ActivateInstance_TenantMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")

	_, err := store.ActivateInstance(ctx, "I1", "other-tenant", "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = store.ActivateInstance(ctx, "I1", "", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_ActivateInstance_TerminalReturnsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newTestInstance(t, store, "I1")
	_, err := store.SetStatus(ctx, "I1", StatusCompleted, nil, "")
	require.NoError(t, err)

	saved, err := store.ActivateInstance(ctx, "I1", "T", "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, saved.Status)
}
