package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/storage"
)

func TestImageCleaner_DeregistersUnreferencedImage(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	img, err := store.RegisterImage(ctx, &storage.Image{ImageID: "img-old", TenantID: "t1", BinaryPath: "/bin/wf"})
	require.NoError(t, err)

	cleaner := NewImageCleaner(store, nil, time.Hour, -time.Hour)
	require.NoError(t, cleaner.tick(ctx))

	_, err = store.GetImage(ctx, img.ImageID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImageCleaner_KeepsImageReferencedByLiveInstance(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemoryStore()

	img, err := store.RegisterImage(ctx, &storage.Image{ImageID: "img-live", TenantID: "t1", BinaryPath: "/bin/wf"})
	require.NoError(t, err)
	_, err = store.RegisterInstance(ctx, &storage.Instance{InstanceID: "i1", TenantID: "t1", ImageID: img.ImageID})
	require.NoError(t, err)

	cleaner := NewImageCleaner(store, nil, time.Hour, -time.Hour)
	require.NoError(t, cleaner.tick(ctx))

	_, err = store.GetImage(ctx, img.ImageID)
	require.NoError(t, err, "an image referenced by a non-terminal instance must not be deleted")
}
