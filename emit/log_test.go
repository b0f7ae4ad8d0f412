package emit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		InstanceID: "inst-1",
		Component:  "coordinator.checkpoint",
		Msg:        "checkpoint_saved",
		Meta:       map[string]any{"checkpoint_id": "s1"},
	})

	out := buf.String()
	require.Contains(t, out, "checkpoint_saved")
	require.Contains(t, out, "inst-1")
	require.Contains(t, out, "checkpoint_id")
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{InstanceID: "inst-2", Component: "environment.wake_scheduler", Msg: "wake_dispatched"})

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "{"))
	require.Contains(t, out, `"instance_id":"inst-2"`)
}

func TestLogEmitter_EmitBatch(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	err := emitter.EmitBatch(t.Context(), []Event{
		{Msg: "a"}, {Msg: "b"},
	})
	require.NoError(t, err)
	lines := strings.Count(buf.String(), "\n")
	require.Equal(t, 2, lines)
}

func TestNullEmitter(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{Msg: "whatever"})
	require.NoError(t, n.EmitBatch(t.Context(), []Event{{Msg: "x"}}))
	require.NoError(t, n.Flush(t.Context()))
}
