package storage

import (
	"context"
	"time"
)

// EnvironmentStore is the persistence capability the Environment process
// requires: image registration and container-handle bookkeeping. It reads
// instance status from the same rows CoordinatorStore writes, since both
// sit on one logical database.
type EnvironmentStore interface {
	RegisterImage(ctx context.Context, img *Image) (*Image, error)

	GetImage(ctx context.Context, imageID string) (*Image, error)

	ListImages(ctx context.Context, tenantID string) ([]*Image, error)

	DeregisterImage(ctx context.Context, imageID string) error

	// ListUnreferencedImages returns images registered before cutoff that no
	// non-terminal instance currently references, for the image cleaner.
	ListUnreferencedImages(ctx context.Context, cutoff time.Time, limit int) ([]*Image, error)

	SaveContainerRegistration(ctx context.Context, reg *ContainerRegistration) error

	GetContainerRegistration(ctx context.Context, instanceID string) (*ContainerRegistration, error)

	// ListStaleContainers returns registrations whose LastEventAt is older
	// than the given cutoff, for the heartbeat monitor.
	ListStaleContainers(ctx context.Context, cutoffUnixNano int64) ([]*ContainerRegistration, error)

	DeleteContainerRegistration(ctx context.Context, instanceID string) error

	// InstanceStatus is a narrow read of the Coordinator-owned instance row,
	// used by lifecycle operations (e.g. refusing to resume a terminal
	// instance) without pulling in the full CoordinatorStore surface.
	InstanceStatus(ctx context.Context, instanceID string) (InstanceStatus, error)

	Close() error
}
