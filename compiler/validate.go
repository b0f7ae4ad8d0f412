package compiler

import (
	"fmt"
	"strings"
)

// Validate performs the compile-time checks spec.md §4.5 calls out
// explicitly: every StartScenario step's child must be supplied, and only
// agents declared secure may read a Connection step's output. It does not
// attempt general graph well-formedness (dangling edges, unreachable
// steps) beyond what these two checks require — the authoring tool that
// produces the ExecutionGraph is responsible for structural validity.
func Validate(g *ExecutionGraph, children map[string]*ExecutionGraph) error {
	if _, ok := g.Steps[g.EntryPoint]; !ok {
		return &GenerationError{Message: fmt.Sprintf("entry_point %q names no step", g.EntryPoint)}
	}

	connectionSteps := make(map[string]bool)
	for id, step := range g.Steps {
		if step.Kind == KindConnection {
			connectionSteps[id] = true
		}
	}

	for id, step := range g.Steps {
		switch step.Kind {
		case KindStartScenario:
			if err := validateStartScenario(id, step, children); err != nil {
				return err
			}
		case KindAgent:
			if err := validateAgentConnectionAccess(id, step, connectionSteps); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStartScenario(id string, step *Step, children map[string]*ExecutionGraph) error {
	ss := step.StartScenario
	child, ok := children[ss.ScenarioID]
	if !ok {
		return &GenerationError{Message: fmt.Sprintf("child workflow %q not provided", ss.ScenarioID), StepID: id, Cause: ErrMissingChild}
	}
	if len(ss.RequiredInputs) == 0 {
		ss.RequiredInputs = child.RequiredInputs
	}
	return nil
}

// validateAgentConnectionAccess rejects an Agent step, not marked Secure,
// whose input mapping reads a path rooted at "steps.<connectionStepID>".
func validateAgentConnectionAccess(id string, step *Step, connectionSteps map[string]bool) error {
	if step.Secure || step.Agent == nil {
		return nil
	}
	for field, ref := range step.Agent.Input {
		if ref.Path == "" {
			continue
		}
		parts := strings.SplitN(ref.Path, ".", 3)
		if len(parts) >= 2 && parts[0] == "steps" && connectionSteps[parts[1]] {
			return &GenerationError{
				Message: fmt.Sprintf("input %q reads connection step %q but agent %q is not declared secure", field, parts[1], step.Agent.AgentID),
				StepID:  id,
				Cause:   ErrInsecureRead,
			}
		}
	}
	return nil
}

// RequiredInputErrors builds the structured "missing required inputs"
// error spec.md §4.5 requires for a StartScenario call whose resolved
// Input is missing or null for a required field, listing every offender
// rather than failing on the first.
func RequiredInputErrors(scenarioID string, required []string, resolved map[string]any) error {
	var missing []string
	for _, field := range required {
		v, ok := resolved[field]
		if !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &GenerationError{
		Message: fmt.Sprintf("scenario %q missing required inputs: %s", scenarioID, strings.Join(missing, ", ")),
	}
}
