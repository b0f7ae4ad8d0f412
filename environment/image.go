package environment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/runtara/runtara/storage"
)

// ImageHandlers implements image registry operations over an
// environment.Store. Image ids are generated with google/uuid, matching
// the pack's own convention for opaque entity identifiers.
type ImageHandlers struct {
	store Store
}

func NewImageHandlers(store Store) *ImageHandlers {
	return &ImageHandlers{store: store}
}

func (h *ImageHandlers) RegisterImage(ctx context.Context, tenantID, name, binaryPath, bundlePath string, runnerType storage.RunnerType, metadata map[string]string) (*storage.Image, error) {
	img := &storage.Image{
		ImageID:    uuid.NewString(),
		TenantID:   tenantID,
		Name:       name,
		BinaryPath: binaryPath,
		BundlePath: bundlePath,
		RunnerType: runnerType,
		Metadata:   metadata,
	}
	saved, err := h.store.RegisterImage(ctx, img)
	if err != nil {
		return nil, &LifecycleError{Message: "register image", Cause: err}
	}
	return saved, nil
}

func (h *ImageHandlers) GetImage(ctx context.Context, imageID string) (*storage.Image, error) {
	img, err := h.store.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &LifecycleError{Message: "unknown image", Code: "NOT_FOUND", Cause: ErrUnknownImage}
		}
		return nil, &LifecycleError{Message: "get image", Cause: err}
	}
	return img, nil
}

func (h *ImageHandlers) ListImages(ctx context.Context, tenantID string) ([]*storage.Image, error) {
	imgs, err := h.store.ListImages(ctx, tenantID)
	if err != nil {
		return nil, &LifecycleError{Message: "list images", Cause: err}
	}
	return imgs, nil
}

// DeleteImage deregisters an image. Per spec.md §9's "cyclic references
// avoided" note, instances reference images by id rather than holding a
// live handle, so deleting an image never needs to walk running instances.
func (h *ImageHandlers) DeleteImage(ctx context.Context, imageID string) error {
	if err := h.store.DeregisterImage(ctx, imageID); err != nil {
		return &LifecycleError{Message: "deregister image", Cause: err}
	}
	return nil
}
