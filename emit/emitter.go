package emit

import "context"

// Emitter receives observability events from the Coordinator and
// Environment. Implementations must be non-blocking and safe for
// concurrent use: a handler emitting an event must never be slowed down
// or panicked by the backend it emits to.
type Emitter interface {
	// Emit sends a single event. It must not block or panic.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events are delivered or ctx expires.
	Flush(ctx context.Context) error
}
