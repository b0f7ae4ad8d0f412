package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/storage"
)

func TestDBCleaner_DeletesOldTerminalInstances(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusCompleted, nil, "")
	require.NoError(t, err)

	cleaner := NewDBCleaner(store, nil, time.Hour, -time.Hour) // negative retention: "now" is already past cutoff
	require.NoError(t, cleaner.tick(ctx))

	_, err = store.GetInstance(ctx, inst.InstanceID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDBCleaner_LeavesRecentTerminalInstances(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i2", TenantID: "t1"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusCompleted, nil, "")
	require.NoError(t, err)

	cleaner := NewDBCleaner(store, nil, time.Hour, 30*24*time.Hour)
	require.NoError(t, cleaner.tick(ctx))

	_, err = store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err, "an instance finished moments ago must survive a 30-day retention window")
}
