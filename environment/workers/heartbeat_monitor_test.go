package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/storage"
)

func TestHeartbeatMonitor_FailsStaleInstanceAndClearsRegistration(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusRunning, nil, "")
	require.NoError(t, err)

	require.NoError(t, store.SaveContainerRegistration(ctx, &storage.ContainerRegistration{
		InstanceID:  inst.InstanceID,
		HandleID:    "h1",
		StartedAt:   time.Now().Add(-time.Hour),
		LastEventAt: time.Now().Add(-time.Hour),
	}))

	mon := NewHeartbeatMonitor(store, nil, time.Hour, 120*time.Second)
	require.NoError(t, mon.tick(ctx))

	got, err := store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)

	_, err = store.GetContainerRegistration(ctx, inst.InstanceID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHeartbeatMonitor_LeavesFreshContainerAlone(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i2", TenantID: "t1"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusRunning, nil, "")
	require.NoError(t, err)

	require.NoError(t, store.SaveContainerRegistration(ctx, &storage.ContainerRegistration{
		InstanceID:  inst.InstanceID,
		HandleID:    "h2",
		StartedAt:   time.Now(),
		LastEventAt: time.Now(),
	}))

	mon := NewHeartbeatMonitor(store, nil, time.Hour, 120*time.Second)
	require.NoError(t, mon.tick(ctx))

	got, err := store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusRunning, got.Status)
}
