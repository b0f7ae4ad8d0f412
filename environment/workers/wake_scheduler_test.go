package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/environment"
	"github.com/runtara/runtara/environment/runner"
	"github.com/runtara/runtara/storage"
)

func TestWakeScheduler_RelaunchesDueEntryAndClearsIt(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	img, err := store.RegisterImage(ctx, &storage.Image{ImageID: "img-1", TenantID: "t1", BinaryPath: "/bin/wf"})
	require.NoError(t, err)

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i1", TenantID: "t1", ImageID: img.ImageID})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusSuspended, nil, "")
	require.NoError(t, err)

	require.NoError(t, store.ScheduleWake(ctx, &storage.WakeEntry{
		InstanceID:   inst.InstanceID,
		CheckpointID: "cp-1",
		WakeAt:       time.Now().Add(-time.Second),
	}))

	mock := &runner.MockRunner{Running: true}
	handlers := environment.NewHandlers(store, mock, t.TempDir(), "127.0.0.1:0")

	sched := NewWakeScheduler(store, handlers, nil, time.Hour, 10)
	require.NoError(t, sched.tick(ctx))

	due, err := store.DueWakes(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due, "wake entry should be removed once relaunched")

	require.Len(t, mock.Launches, 1)
	require.Equal(t, inst.InstanceID, mock.Launches[0].InstanceID)
}

func TestWakeScheduler_LeavesEntryOnRelaunchFailure(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i2", TenantID: "t1", ImageID: "missing-image"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusSuspended, nil, "")
	require.NoError(t, err)

	require.NoError(t, store.ScheduleWake(ctx, &storage.WakeEntry{
		InstanceID:   inst.InstanceID,
		CheckpointID: "cp-1",
		WakeAt:       time.Now().Add(-time.Second),
	}))

	mock := &runner.MockRunner{}
	handlers := environment.NewHandlers(store, mock, t.TempDir(), "127.0.0.1:0")

	sched := NewWakeScheduler(store, handlers, nil, time.Hour, 10)
	require.NoError(t, sched.tick(ctx))

	due, err := store.DueWakes(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "a failed relaunch must be retried next pass")
}
