package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCapability struct {
	name string
	out  map[string]any
	err  error
}

func (f *fakeCapability) Name() string { return f.name }

func (f *fakeCapability) Invoke(_ context.Context, _ map[string]any) (map[string]any, error) {
	return f.out, f.err
}

func TestRegistry_InvokeDispatchesToRegisteredAgent(t *testing.T) {
	reg := NewRegistry()
	reg.Register("reviewer", &fakeCapability{name: "llm", out: map[string]any{"text": "ok"}})

	out, err := reg.Invoke(t.Context(), "reviewer", map[string]any{"messages": []any{}})
	require.NoError(t, err)
	require.Equal(t, "ok", out["text"])
}

func TestRegistry_InvokeUnknownAgent(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(t.Context(), "missing", nil)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, "missing", agentErr.AgentID)
}

func TestRegistry_InvokeWrapsCapabilityError(t *testing.T) {
	reg := NewRegistry()
	underlying := errors.New("boom")
	reg.Register("reviewer", &fakeCapability{name: "llm", err: underlying})

	_, err := reg.Invoke(t.Context(), "reviewer", nil)
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, "reviewer", agentErr.AgentID)
	require.ErrorIs(t, err, underlying)
}
