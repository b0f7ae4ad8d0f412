// Package agent implements the capability invocation surface an Agent step
// dispatches through: "call capability X on agent Y" (spec.md §4.5). Each
// agent is a named, already-configured Capability instance; the compiler's
// generated code looks it up by agent id and invokes it with the step's
// resolved input mapping.
package agent

import (
	"context"
	"fmt"
)

// Capability is one invocable unit a generated workflow binary can call
// from an Agent step. Input/output are the same untyped JSON-object shape
// the compiler's reference resolution already works with.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Error wraps a capability invocation failure with the agent id that
// produced it, in the shape of environment.LifecycleError and, further
// back, graph.NodeError.
type Error struct {
	Message string
	AgentID string
	Cause   error
}

func (e *Error) Error() string {
	if e.AgentID != "" {
		return "agent: " + e.AgentID + ": " + e.Message
	}
	return "agent: " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Registry maps an agent id (as named in the compiled workflow) to its
// configured Capability instance.
type Registry struct {
	agents map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Capability)}
}

// Register installs a capability under the given agent id, overwriting any
// existing registration for that id.
func (r *Registry) Register(agentID string, cap Capability) {
	r.agents[agentID] = cap
}

func (r *Registry) Lookup(agentID string) (Capability, error) {
	cap, ok := r.agents[agentID]
	if !ok {
		return nil, &Error{Message: "unknown agent", AgentID: agentID}
	}
	return cap, nil
}

// Invoke looks up agentID and runs its capability, wrapping any failure
// (lookup or invocation) in an *Error carrying the agent id.
func (r *Registry) Invoke(ctx context.Context, agentID string, input map[string]any) (map[string]any, error) {
	cap, err := r.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	out, err := cap.Invoke(ctx, input)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("capability %q invocation failed", cap.Name()), AgentID: agentID, Cause: err}
	}
	return out, nil
}
