package emit

import "context"

// NullEmitter discards every event. It is the default when a process is
// started without an explicit emitter, and is used throughout tests that
// don't care about observability output.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (n *NullEmitter) Flush(context.Context) error { return nil }
