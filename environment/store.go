// Package environment implements the Environment process: the lifecycle
// controller responsible for launching, monitoring, waking, and reaping
// workflow instance processes. It reads and writes the same logical
// database the Coordinator does (spec.md §9 "no ambient global database
// handle" — every component depends on a capability interface instead).
package environment

import "github.com/runtara/runtara/storage"

// Store is the persistence capability the Environment requires. It
// embeds both halves of the storage package's API because the
// Environment, unlike instance-side code, addresses the same logical
// database as the Coordinator directly: StartInstance both registers an
// Instance row and a container registration row in one place, and the
// wake scheduler needs to read and clear wake-queue entries itself
// rather than proxy every tick through the Coordinator's RPC surface.
type Store interface {
	storage.CoordinatorStore
	storage.EnvironmentStore
}
