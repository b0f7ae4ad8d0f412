// Package emit provides observability event emission for the Coordinator
// and Environment processes, adapted from the teacher's graph/emit
// package: the same Emitter/Event shape, generalized from per-node
// workflow events to per-RPC-handler and per-worker-tick events.
package emit

// Event is one observability event emitted by a Coordinator RPC handler
// or an Environment background worker.
type Event struct {
	// InstanceID identifies the workflow instance this event concerns.
	// Empty for process-level events (worker ticks, startup, shutdown).
	InstanceID string

	// Component names the emitting subsystem, e.g. "coordinator.checkpoint",
	// "environment.wake_scheduler".
	Component string

	// Msg is a human-readable event name, e.g. "checkpoint_saved",
	// "instance_stale".
	Msg string

	// Meta carries structured fields specific to this event: "checkpoint_id",
	// "duration_ms", "error", "attempt", and so on.
	Meta map[string]any
}
