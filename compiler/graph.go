// Package compiler turns an ExecutionGraph into a standalone native binary
// that registers with the Coordinator and executes it (spec.md §4.5). The
// graph shape and step vocabulary are carried over from the teacher's own
// graph.Node/graph.Next routing model (graph/node.go), generalized from a
// typed in-process state machine to a compiled, checkpointed program.
package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/runtara/runtara/compiler/expr"
)

// StepKind discriminates a Step's variant, matching spec.md §4.5's step
// type list exactly.
type StepKind string

const (
	KindStart         StepKind = "start"
	KindFinish        StepKind = "finish"
	KindAgent         StepKind = "agent"
	KindConditional   StepKind = "conditional"
	KindSwitch        StepKind = "switch"
	KindSplit         StepKind = "split"
	KindWhile         StepKind = "while"
	KindStartScenario StepKind = "start_scenario"
	KindConnection    StepKind = "connection"
	KindLog           StepKind = "log"
	KindError         StepKind = "error"
	KindDelay         StepKind = "delay"
)

// Edge is a labeled transition between two steps. Label disambiguates
// which outgoing edge a step takes: "true"/"false" for Conditional, a
// case id for Switch, unused (single successor) for most other kinds.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// RetryConfig configures an Agent step's re-run-with-backoff behavior
// (spec.md §4.5's "Failure semantics"), adapted from graph.RetryPolicy via
// runtime.RetryPolicy.
type RetryConfig struct {
	MaxRetries  int `json:"max_retries"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
}

// FinishStep ends the workflow successfully with Output as the instance
// result (the value passed to runtime.SDK.FinishCompleted).
type FinishStep struct {
	Output Mapping `json:"output"`
}

// AgentStep calls a capability on a named agent.
type AgentStep struct {
	AgentID    string       `json:"agent_id"`
	Capability string       `json:"capability"`
	Input      Mapping      `json:"input"`
	Retry      *RetryConfig `json:"retry,omitempty"`
	Durable    bool         `json:"durable"` // not consulted by compiler/exec, which wraps every Agent call in runtime.Durable
}

// ConditionalStep evaluates Cond and routes to the "true" or "false" edge.
type ConditionalStep struct {
	Cond expr.Expr `json:"cond"`
}

// SwitchCase is one arm of a Switch step. MatchType selects how Value is
// compared against the switch's subject expression: "exact" (expr.Eq),
// "regex", or "comparator" (Value itself is an expr.Expr evaluated with
// the subject bound to a reference named by the compiler, e.g. "$subject").
type SwitchCase struct {
	Label     string  `json:"label"`
	MatchType string  `json:"match_type"`
	Value     any     `json:"value"`
	Output    Mapping `json:"output"`
}

// UnmarshalJSON decodes Value according to MatchType: a "comparator" case
// embeds a full expr.Expr (evaluated with the subject bound), so it must be
// decoded into that concrete type rather than the generic map a bare `any`
// field would produce; "exact" and "regex" cases keep Value as a plain
// JSON value.
func (c *SwitchCase) UnmarshalJSON(data []byte) error {
	var w struct {
		Label     string          `json:"label"`
		MatchType string          `json:"match_type"`
		Value     json.RawMessage `json:"value"`
		Output    Mapping         `json:"output"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Label, c.MatchType, c.Output = w.Label, w.MatchType, w.Output
	if w.MatchType == "comparator" {
		var e expr.Expr
		if err := json.Unmarshal(w.Value, &e); err != nil {
			return fmt.Errorf("switch case %q: decode comparator value: %w", w.Label, err)
		}
		c.Value = e
		return nil
	}
	var v any
	if len(w.Value) > 0 {
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return err
		}
	}
	c.Value = v
	return nil
}

// SwitchStep evaluates Subject once, matches it against Cases in order,
// and resolves the winning case's Output. Case matching is interpreted at
// run time by compiler/exec; it is not lowered to a native switch/if-chain
// at codegen time.
type SwitchStep struct {
	Subject expr.Expr    `json:"subject"`
	Cases   []SwitchCase `json:"cases"`
	Default *SwitchCase  `json:"default,omitempty"`
}

// SplitStep fans out to N parallel subgraphs (named by their entry step
// ids) and joins at JoinStep before continuing.
type SplitStep struct {
	Branches []string `json:"branches"`
	JoinStep string   `json:"join_step"`
}

// WhileStep repeats the subgraph reachable from BodyEntry while Cond
// holds, bounded by MaxIterations, heartbeating once per iteration
// (spec.md §4.5).
type WhileStep struct {
	Cond          expr.Expr `json:"cond"`
	BodyEntry     string    `json:"body_entry"`
	MaxIterations int       `json:"max_iterations"`
}

// StartScenarioStep invokes a compiled child workflow by id/version. The
// compiler must be given the child's ExecutionGraph (via Compile's
// children argument) so it can generate a direct call rather than a
// runtime dispatch (spec.md §4.5).
type StartScenarioStep struct {
	ScenarioID string  `json:"scenario_id"`
	Version    string  `json:"version"`
	Input      Mapping `json:"input"`
	// RequiredInputs lists the child's required top-level input fields,
	// embedded at compile time so the parent can validate before calling
	// in (missing/null fields produce a structured error listing each).
	RequiredInputs []string `json:"required_inputs,omitempty"`
}

// ConnectionStep fetches credentials from the connection service (§6.6).
// Its resolved output must never appear in a checkpoint payload or debug
// event (spec.md §4.5); Validate enforces that only a Step whose
// consuming AgentStep is declared secure may read it.
type ConnectionStep struct {
	ConnectionID string `json:"connection_id"`
	Tag          string `json:"tag"`
}

// LogStep emits a structured log line with Fields resolved from the
// source object.
type LogStep struct {
	Level   string  `json:"level"`
	Message string  `json:"message"`
	Fields  Mapping `json:"fields"`
}

// ErrorStep aborts the instance with a step-qualified error.
type ErrorStep struct {
	Message Reference `json:"message"`
}

// DelayStep performs a durable sleep for Duration before continuing.
type DelayStep struct {
	Duration Reference `json:"duration"` // resolves to a duration in milliseconds
}

// Step is one node of an ExecutionGraph. Exactly one of the typed fields
// matching Kind is populated; this mirrors the teacher's own tagged-union
// step encoding rather than a Go interface, since steps are decoded
// straight off the authoring tool's JSON definition (see compiler/exec's
// walk for the interpreter's switch on Kind).
type Step struct {
	ID   string   `json:"id"`
	Kind StepKind `json:"kind"`

	Finish        *FinishStep        `json:"finish,omitempty"`
	Agent         *AgentStep         `json:"agent,omitempty"`
	Conditional   *ConditionalStep   `json:"conditional,omitempty"`
	Switch        *SwitchStep        `json:"switch,omitempty"`
	Split         *SplitStep         `json:"split,omitempty"`
	While         *WhileStep         `json:"while,omitempty"`
	StartScenario *StartScenarioStep `json:"start_scenario,omitempty"`
	Connection    *ConnectionStep    `json:"connection,omitempty"`
	Log           *LogStep           `json:"log,omitempty"`
	Error         *ErrorStep         `json:"error,omitempty"`
	Delay         *DelayStep         `json:"delay,omitempty"`

	// Secure marks an Agent step as permitted to read a Connection-typed
	// input (spec.md §4.5's compile-time check).
	Secure bool `json:"secure,omitempty"`
}

// ExecutionGraph is the compiler's input: a map from step id to step, an
// entry point, and the edges connecting them.
type ExecutionGraph struct {
	Name       string           `json:"name"`
	Version    string           `json:"version"`
	EntryPoint string           `json:"entry_point"`
	Steps      map[string]*Step `json:"steps"`
	Edges      []Edge           `json:"edges"`

	// RequiredInputs lists this graph's own required top-level input
	// fields, consulted when this graph is compiled as someone else's
	// child (StartScenarioStep.RequiredInputs).
	RequiredInputs []string `json:"required_inputs,omitempty"`
}

// OutgoingEdges returns every edge leaving stepID, in graph definition
// order.
func (g *ExecutionGraph) OutgoingEdges(stepID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == stepID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeTo returns the destination of the single outgoing edge with the
// given label (e.g. "true"/"false", or "" for an unlabeled single-
// successor step), and whether one was found.
func (g *ExecutionGraph) EdgeTo(stepID, label string) (string, bool) {
	for _, e := range g.Edges {
		if e.From == stepID && e.Label == label {
			return e.To, true
		}
	}
	return "", false
}
