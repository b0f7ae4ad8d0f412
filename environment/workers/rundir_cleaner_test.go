package workers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/storage"
)

func TestRunDirCleaner_RemovesDirectoryForTerminalInstance(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()
	dataDir := t.TempDir()

	inst, err := store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i1", TenantID: "t1"})
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, inst.InstanceID, storage.StatusCompleted, nil, "")
	require.NoError(t, err)

	runDir := filepath.Join(dataDir, "t1", "runs", "i1")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "output.json"), []byte(`{"status":"completed"}`), 0o644))

	cleaner := NewRunDirCleaner(store, dataDir, nil, time.Hour, -time.Hour)
	require.NoError(t, cleaner.tick(ctx))

	_, err = os.Stat(runDir)
	require.True(t, os.IsNotExist(err), "completed instance's run directory should be removed")
}
