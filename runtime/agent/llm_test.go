package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	out ChatOut
	err error

	gotMessages []Message
	gotTools    []ToolSpec
}

func (f *fakeChatModel) Chat(_ context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	f.gotMessages = messages
	f.gotTools = tools
	return f.out, f.err
}

func TestLLMCapability_InvokeDecodesMessagesAndTools(t *testing.T) {
	fake := &fakeChatModel{out: ChatOut{Text: "hi there"}}
	cap := NewLLMCapability("assistant", fake)
	require.Equal(t, "llm", cap.Name())

	out, err := cap.Invoke(t.Context(), map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hello"},
		},
		"tools": []any{
			map[string]any{"name": "lookup", "description": "look something up", "schema": map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", out["text"])
	require.Len(t, fake.gotMessages, 2)
	require.Equal(t, RoleSystem, fake.gotMessages[0].Role)
	require.Len(t, fake.gotTools, 1)
	require.Equal(t, "lookup", fake.gotTools[0].Name)
}

func TestLLMCapability_InvokeReturnsToolCalls(t *testing.T) {
	fake := &fakeChatModel{out: ChatOut{ToolCalls: []ToolCall{{Name: "lookup", Input: map[string]any{"q": "x"}}}}}
	cap := NewLLMCapability("assistant", fake)

	out, err := cap.Invoke(t.Context(), map[string]any{"messages": []any{}})
	require.NoError(t, err)
	calls, ok := out["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
}

func TestLLMCapability_InvokeRejectsNonListMessages(t *testing.T) {
	cap := NewLLMCapability("assistant", &fakeChatModel{})
	_, err := cap.Invoke(t.Context(), map[string]any{"messages": "not a list"})
	require.Error(t, err)
}
