// Package exec is the generic step interpreter a compiled workflow
// binary's generated main() calls into. The compiler embeds the validated
// ExecutionGraph (and every transitively referenced child graph) as plain
// Go data in the generated program (compiler/codegen) rather than
// unrolling bespoke Go source per step. Switch and Conditional steps are
// not lowered to native control flow: walk dispatches on StepKind, and
// every Switch case is matched at run time (a regex case compiles its
// pattern on each evaluation, a comparator case evaluates its expression
// with the subject bound).
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runtara/runtara/compiler"
	"github.com/runtara/runtara/compiler/connection"
	"github.com/runtara/runtara/compiler/expr"
	"github.com/runtara/runtara/runtime"
	"github.com/runtara/runtara/runtime/agent"
)

// Deps bundles the collaborators the generated main() constructs once at
// startup and Run threads through every step, including nested
// StartScenario calls.
type Deps struct {
	SDK        *runtime.SDK
	Agents     *agent.Registry
	Connection *connection.Client
	TenantID   string

	// Children maps a StartScenarioStep's ScenarioID to its compiled
	// graph, embedded at compile time so a child call is a direct,
	// in-process continuation of this same instance rather than a new
	// registered instance (spec.md §4.5).
	Children map[string]*compiler.ExecutionGraph
}

// Run executes g to completion and reports the terminal outcome to
// deps.SDK (Completed, Failed, or Cancelled). resumeStepID, when set,
// starts execution at that step instead of g.EntryPoint — the compiled
// binary's main() passes the RUNTARA_RESUME_CHECKPOINT_ID value through
// here verbatim.
func Run(ctx context.Context, deps Deps, g *compiler.ExecutionGraph, initialData map[string]any, resumeStepID string) error {
	src := &compiler.Source{Data: initialData, Variables: map[string]any{}, Steps: map[string]any{}}

	start := g.EntryPoint
	if resumeStepID != "" {
		start = resumeStepID
	}

	out, err := walk(ctx, deps, g, src, start, "", "")
	if err != nil {
		if err == runtime.ErrCancelled {
			return deps.SDK.FinishCancelled(ctx)
		}
		if ferr := deps.SDK.FinishFailed(ctx, err); ferr != nil {
			return ferr
		}
		return err
	}
	return deps.SDK.FinishCompleted(ctx, out)
}

// checkpointID derives the stable idempotency key for stepID under
// prefix. prefix is non-empty inside a StartScenario call or a While/Split
// iteration, so that a step reused across iterations or nested scenarios
// still gets a distinct checkpoint.
func checkpointID(prefix, stepID string) string {
	if prefix == "" {
		return stepID
	}
	return prefix + "/" + stepID
}

// walk interprets g starting at stepID until it reaches a Finish step
// (returns its resolved output), an Error step or RPC failure (returns
// err), or stopAt (returns nil, nil — used by Split to rejoin and by
// While to signal one loop iteration's end).
func walk(ctx context.Context, deps Deps, g *compiler.ExecutionGraph, src *compiler.Source, stepID, stopAt, prefix string) (any, error) {
	for {
		if stepID == stopAt {
			return nil, nil
		}
		if err := deps.SDK.Backend.CheckCancelled(ctx); err != nil {
			return nil, err
		}

		step, ok := g.Steps[stepID]
		if !ok {
			return nil, &compiler.GenerationError{Message: "execution reached an unknown step", StepID: stepID, Cause: compiler.ErrUnknownStep}
		}

		switch step.Kind {
		case compiler.KindStart:
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindFinish:
			return step.Finish.Output.Resolve(*src), nil

		case compiler.KindError:
			msg := fmt.Sprintf("%v", step.Error.Message.Resolve(*src))
			return nil, &compiler.GenerationError{Message: msg, StepID: stepID}

		case compiler.KindLog:
			fields := step.Log.Fields.Resolve(*src)
			payload, _ := json.Marshal(map[string]any{"level": step.Log.Level, "message": step.Log.Message, "fields": fields})
			_ = deps.SDK.Backend.CustomEvent(ctx, payload)
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindDelay:
			ms, _ := step.Delay.Duration.Resolve(*src).(float64)
			d := time.Duration(ms) * time.Millisecond
			if _, _, err := deps.SDK.Backend.Sleep(ctx, checkpointID(prefix, stepID), nil, d); err != nil {
				return nil, err
			}
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindConditional:
			resolver := sourceResolver(src)
			cond, err := expr.EvalBool(step.Conditional.Cond, resolver)
			if err != nil {
				return nil, &compiler.GenerationError{Message: "evaluate condition", StepID: stepID, Cause: err}
			}
			label := "false"
			if cond {
				label = "true"
			}
			next, ok := g.EdgeTo(stepID, label)
			if !ok {
				return nil, &compiler.GenerationError{Message: fmt.Sprintf("no %q edge", label), StepID: stepID}
			}
			stepID = next

		case compiler.KindSwitch:
			next, output, err := evalSwitch(step.Switch, src)
			if err != nil {
				return nil, &compiler.GenerationError{Message: "evaluate switch", StepID: stepID, Cause: err}
			}
			src.Steps[stepID] = output
			edge, ok := g.EdgeTo(stepID, next)
			if !ok {
				return nil, &compiler.GenerationError{Message: fmt.Sprintf("no edge for case %q", next), StepID: stepID}
			}
			stepID = edge

		case compiler.KindConnection:
			out, err := runConnection(ctx, deps, step.Connection, checkpointID(prefix, stepID))
			if err != nil {
				return nil, &compiler.GenerationError{Message: "fetch connection", StepID: stepID, Cause: err}
			}
			// Connection output is kept only in this process's in-memory
			// Source; spec.md §4.5 requires it never reach a checkpoint or
			// debug event.
			src.Steps[stepID] = out
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindAgent:
			out, err := runAgent(ctx, deps, step, src, checkpointID(prefix, stepID))
			if err != nil {
				return nil, &compiler.GenerationError{Message: "run agent", StepID: stepID, Cause: err}
			}
			src.Steps[stepID] = out
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindStartScenario:
			out, err := runScenario(ctx, deps, g, step, src, checkpointID(prefix, stepID))
			if err != nil {
				return nil, err
			}
			src.Steps[stepID] = out
			stepID, _ = g.EdgeTo(stepID, "")

		case compiler.KindSplit:
			out, err := runSplit(ctx, deps, g, step, src, prefix)
			if err != nil {
				return nil, err
			}
			src.Steps[stepID] = out
			stepID = step.Split.JoinStep

		case compiler.KindWhile:
			if err := runWhile(ctx, deps, g, step, src, prefix); err != nil {
				return nil, err
			}
			stepID, _ = g.EdgeTo(step.ID, "")

		default:
			return nil, &compiler.GenerationError{Message: fmt.Sprintf("unhandled step kind %q", step.Kind), StepID: stepID}
		}

		if stepID == "" {
			return nil, &compiler.GenerationError{Message: "execution fell off the graph with no outgoing edge"}
		}
	}
}

func sourceResolver(src *compiler.Source) expr.Resolver {
	return func(path string, def any) any {
		return compiler.ResolvePath(*src, path, def)
	}
}

func runAgent(ctx context.Context, deps Deps, step *compiler.Step, src *compiler.Source, cpID string) (map[string]any, error) {
	a := step.Agent
	policy := runtime.DefaultRetryPolicy
	if a.Retry != nil {
		policy = runtime.RetryPolicy{
			MaxAttempts: a.Retry.MaxRetries + 1,
			BaseDelay:   time.Duration(a.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(a.Retry.MaxDelayMS) * time.Millisecond,
		}
	}
	input := a.Input.Resolve(*src)
	// Every Agent step's outcome is save-or-fetch, regardless of the
	// author-set Durable flag: a crash-and-resume must never re-invoke
	// the capability for a checkpoint already recorded (spec.md §4.1
	// Invariant 3). The flag itself is not consulted here; retries follow
	// policy alone.
	_ = a.Durable
	return runtime.Durable(ctx, deps.SDK.Backend, cpID, func(ctx context.Context) (map[string]any, error) {
		return deps.Agents.Invoke(ctx, a.AgentID, input)
	}, policy)
}

func runConnection(ctx context.Context, deps Deps, c *compiler.ConnectionStep, cpID string) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		resp, err := deps.Connection.Fetch(ctx, deps.TenantID, c.ConnectionID, connection.Params{Tag: c.Tag})
		if err == nil {
			out := map[string]any{
				"parameters":         resp.Parameters,
				"integration_id":     resp.IntegrationID,
				"connection_subtype": resp.ConnectionSubtype,
			}
			return out, nil
		}
		var rl *connection.RateLimitedError
		if !asRateLimited(err, &rl) {
			return nil, err
		}
		// The retry-sleep checkpoint marker carries no connection data
		// (state is nil); only its existence, used to resume a crashed
		// wait, is persisted, which does not violate the "never
		// checkpointed" rule on the fetched credentials themselves.
		if _, _, sleepErr := deps.SDK.Backend.Sleep(ctx, fmt.Sprintf("%s/ratelimit%d", cpID, attempt), nil, rl.RetryAfter); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

func asRateLimited(err error, target **connection.RateLimitedError) bool {
	rl, ok := err.(*connection.RateLimitedError)
	if ok {
		*target = rl
	}
	return ok
}

func runScenario(ctx context.Context, deps Deps, parent *compiler.ExecutionGraph, step *compiler.Step, src *compiler.Source, cpID string) (any, error) {
	ss := step.StartScenario
	child, ok := deps.Children[ss.ScenarioID]
	if !ok {
		return nil, &compiler.GenerationError{Message: fmt.Sprintf("child workflow %q not embedded", ss.ScenarioID), StepID: step.ID, Cause: compiler.ErrMissingChild}
	}
	input := ss.Input.Resolve(*src)
	if err := compiler.RequiredInputErrors(ss.ScenarioID, ss.RequiredInputs, input); err != nil {
		return nil, err
	}

	childSrc := &compiler.Source{Data: input, Variables: map[string]any{}, Steps: map[string]any{}}
	return walk(ctx, deps, child, childSrc, child.EntryPoint, "", cpID)
}

func runSplit(ctx context.Context, deps Deps, g *compiler.ExecutionGraph, step *compiler.Step, src *compiler.Source, prefix string) (map[string]any, error) {
	sp := step.Split
	results := make([]any, len(sp.Branches))
	grp, gctx := errgroup.WithContext(ctx)
	for i, branch := range sp.Branches {
		i, branch := i, branch
		grp.Go(func() error {
			branchSrc := &compiler.Source{Data: src.Data, Variables: copyMap(src.Variables), Steps: copyMap(src.Steps)}
			indices, _ := branchSrc.Variables["loop_indices"].(map[string]any)
			indices = copyMap(indices)
			indices[step.ID] = float64(i)
			branchSrc.Variables["loop_indices"] = indices
			branchSrc.Variables["_index"] = float64(i)
			branchPrefix := checkpointID(prefix, step.ID) + "/branch/" + branch
			out, err := walk(gctx, deps, g, branchSrc, branch, sp.JoinStep, branchPrefix)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(sp.Branches))
	for i, branch := range sp.Branches {
		out[branch] = results[i]
	}
	return out, nil
}

func runWhile(ctx context.Context, deps Deps, g *compiler.ExecutionGraph, step *compiler.Step, src *compiler.Source, prefix string) error {
	w := step.While
	resolver := sourceResolver(src)
	indices, _ := src.Variables["loop_indices"].(map[string]any)
	if indices == nil {
		indices = map[string]any{}
		src.Variables["loop_indices"] = indices
	}

	for iter := 0; ; iter++ {
		cond, err := expr.EvalBool(w.Cond, resolver)
		if err != nil {
			return &compiler.GenerationError{Message: "evaluate while condition", StepID: step.ID, Cause: err}
		}
		if !cond {
			return nil
		}
		if w.MaxIterations > 0 && iter >= w.MaxIterations {
			return &compiler.GenerationError{Message: fmt.Sprintf("while loop exceeded max_iterations (%d)", w.MaxIterations), StepID: step.ID}
		}

		indices[step.ID] = float64(iter)
		src.Variables["_index"] = float64(iter)
		if err := deps.SDK.Backend.Heartbeat(ctx); err != nil {
			return err
		}

		iterPrefix := checkpointID(prefix, step.ID) + "/iter" + fmt.Sprint(iter)
		if _, err := walk(ctx, deps, g, src, w.BodyEntry, step.ID, iterPrefix); err != nil {
			return err
		}
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// evalSwitch evaluates subj once and walks Cases in order, returning the
// matched case's label (or "default") and its resolved output.
func evalSwitch(s *compiler.SwitchStep, src *compiler.Source) (string, map[string]any, error) {
	resolver := sourceResolver(src)
	subj, err := expr.Eval(s.Subject, resolver)
	if err != nil {
		return "", nil, err
	}
	for _, c := range s.Cases {
		matched, err := matchCase(subj, c, resolver)
		if err != nil {
			return "", nil, err
		}
		if matched {
			return c.Label, c.Output.Resolve(*src), nil
		}
	}
	if s.Default != nil {
		return "default", s.Default.Output.Resolve(*src), nil
	}
	return "", nil, fmt.Errorf("compiler: switch subject %v matched no case and has no default", subj)
}

func matchCase(subj any, c compiler.SwitchCase, resolver expr.Resolver) (bool, error) {
	switch c.MatchType {
	case "", "exact":
		return expr.Eq(subj, c.Value), nil
	case "regex":
		s, ok := subj.(string)
		if !ok {
			return false, nil
		}
		pattern, _ := c.Value.(string)
		return regexp.MatchString(pattern, s)
	case "comparator":
		e, ok := c.Value.(expr.Expr)
		if !ok {
			return false, fmt.Errorf("compiler: comparator case %q value is not an expression", c.Label)
		}
		bound := func(path string, def any) any {
			if path == "$subject" || strings.HasPrefix(path, "$subject.") {
				return subj
			}
			return resolver(path, def)
		}
		return expr.EvalBool(e, bound)
	default:
		return false, fmt.Errorf("compiler: unknown switch match type %q", c.MatchType)
	}
}
