package agent

import (
	"context"
	"fmt"
)

// ChatModel is the provider-agnostic LLM interface every "llm" capability
// adapter implements, in the shape of the teacher's model.ChatModel: one
// Chat method abstracting OpenAI/Anthropic/Google's distinct wire formats
// behind a common Message/ToolSpec/ChatOut vocabulary.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in an LLM conversation.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a function the LLM may choose to call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatOut is an LLM turn's output: generated text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one invocation the LLM requested.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// LLMCapability adapts a ChatModel to the Capability interface for Agent
// steps. Input is read as {"messages": [...], "tools": [...]}; output is
// {"text": ..., "tool_calls": [...]}.
type LLMCapability struct {
	id    string
	model ChatModel
}

// NewLLMCapability wraps model under capability id (the agent id Agent
// steps reference), so a single generated binary can register several LLM
// agents (e.g. one per provider/model) under distinct ids.
func NewLLMCapability(id string, model ChatModel) *LLMCapability {
	return &LLMCapability{id: id, model: model}
}

func (c *LLMCapability) Name() string { return "llm" }

func (c *LLMCapability) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	messages, err := decodeMessages(input["messages"])
	if err != nil {
		return nil, err
	}
	tools := decodeTools(input["tools"])

	out, err := c.model.Chat(ctx, messages, tools)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"text": out.Text}
	if len(out.ToolCalls) > 0 {
		calls := make([]any, len(out.ToolCalls))
		for i, tc := range out.ToolCalls {
			calls[i] = map[string]any{"name": tc.Name, "input": tc.Input}
		}
		result["tool_calls"] = calls
	}
	return result, nil
}

func decodeMessages(raw any) ([]Message, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("agent: llm capability: messages must be a list")
	}
	out := make([]Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("agent: llm capability: each message must be an object")
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, Message{Role: role, Content: content})
	}
	return out, nil
}

func decodeTools(raw any) []ToolSpec {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]ToolSpec, 0, len(list))
	for _, item := range list {
		t, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		schema, _ := t["schema"].(map[string]any)
		out = append(out, ToolSpec{Name: name, Description: desc, Schema: schema})
	}
	return out
}
