package storage

import (
	"context"
	"time"
)

// CoordinatorStore is the persistence capability the Coordinator process
// requires. It mirrors the shape of graph/store.Store[S]: one interface per
// logical concern (steps there, instances/checkpoints/events/signals here),
// implemented by every backend in this package so the Coordinator never
// depends on a concrete driver.
type CoordinatorStore interface {
	// RegisterInstance creates a new Pending instance row. Used by the
	// Environment's StartInstance, which owns instance creation; re-creating
	// an existing instance ID is idempotent and returns the existing row
	// unchanged. This is distinct from ActivateInstance below, which is what
	// the Coordinator's instance-facing RegisterInstance RPC calls.
	RegisterInstance(ctx context.Context, inst *Instance) (*Instance, error)

	// ActivateInstance implements the Coordinator's instance-facing
	// RegisterInstance(instance_id, tenant_id, checkpoint_id?) RPC: it fails
	// ErrNotFound if no instance row exists for instanceID, fails
	// ErrInvalidArgument if tenantID is empty or does not match the stored
	// row, returns a terminal instance unchanged, and otherwise transitions
	// Pending to Running, setting started_at on the first activation and
	// storing checkpointID as the resume cursor. Idempotent for an
	// already-Running instance.
	ActivateInstance(ctx context.Context, instanceID, tenantID, checkpointID string) (*Instance, error)

	GetInstance(ctx context.Context, instanceID string) (*Instance, error)

	ListInstances(ctx context.Context, tenantID string, status InstanceStatus, limit int) ([]*Instance, error)

	// SaveCheckpoint persists state under checkpointID and advances the
	// instance's current checkpoint pointer, all within one transaction.
	// It is keyed by an idempotency key so a retried RPC with the same
	// key is a no-op that returns the already-saved checkpoint. found
	// reports whether the call observed a pre-existing checkpoint (a
	// resume/fetch) rather than performing the save itself.
	SaveCheckpoint(ctx context.Context, idempotencyKey string, cp *Checkpoint, newStatus InstanceStatus) (cp2 *Checkpoint, found bool, consumed *CustomSignal, err error)

	GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints returns checkpoints newer than afterCheckpointID, in
	// creation order, bounded by limit. An empty afterCheckpointID starts
	// from the beginning.
	ListCheckpoints(ctx context.Context, instanceID, afterCheckpointID string, limit int) ([]*Checkpoint, error)

	AppendEvent(ctx context.Context, ev *Event) (*Event, error)

	ListEvents(ctx context.Context, instanceID string, eventType EventType, limit int) ([]*Event, error)

	// SetStatus performs a terminal or suspended transition. It refuses to
	// move an instance out of a terminal state (ErrTerminalInstance).
	SetStatus(ctx context.Context, instanceID string, status InstanceStatus, output []byte, errMsg string) (*Instance, error)

	// PollSignals returns the pending non-custom signal (if any) and any
	// custom signals keyed to waitCheckpointID that have not yet been
	// delivered, without acknowledging either.
	PollSignals(ctx context.Context, instanceID, waitCheckpointID string) (*Signal, *CustomSignal, error)

	// AckSignal marks the pending non-custom signal acknowledged. It is
	// idempotent: acking an already-acked or absent signal is a no-op.
	AckSignal(ctx context.Context, instanceID string) error

	// SendSignal installs a new pending non-custom signal. Returns
	// ErrSignalPending if one is already outstanding.
	SendSignal(ctx context.Context, sig *Signal) error

	// SendCustomSignal installs a signal keyed to a specific checkpoint.
	// Sending twice to the same (instance, checkpoint) overwrites the
	// payload; delivery is consumed on the first SaveCheckpoint for that
	// checkpoint id and never re-observed afterward.
	SendCustomSignal(ctx context.Context, cs *CustomSignal) error

	ConsumeCustomSignal(ctx context.Context, instanceID, checkpointID string) error

	// ScheduleWake upserts a wake-queue entry for a sleeping instance.
	ScheduleWake(ctx context.Context, w *WakeEntry) error

	// DueWakes returns wake entries whose WakeAt has passed as of before,
	// oldest first.
	DueWakes(ctx context.Context, before time.Time, limit int) ([]*WakeEntry, error)

	DeleteWake(ctx context.Context, instanceID, checkpointID string) error

	// ListTerminalInstances returns terminal instances that finished before
	// cutoff, for the DB retention cleaner.
	ListTerminalInstances(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error)

	// DeleteInstance removes an instance row and every dependent row
	// (checkpoints, events, signals, custom signals, wakes) for the DB
	// retention cleaner.
	DeleteInstance(ctx context.Context, instanceID string) error

	Close() error
}
