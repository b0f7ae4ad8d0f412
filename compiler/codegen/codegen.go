// Package codegen renders a compiled workflow's ExecutionGraph into a
// standalone Go program (spec.md §4.5) via text/template, gofmt'd with
// go/format.Source. No pack repo generates Go source for anything more
// exotic than OpenAPI-schema-to-struct (kubernaut's internal `ogen`/`kin-
// openapi` usage), which is itself built on the same text/template +
// go/format.Source pair used here — there is no ecosystem "workflow
// compiler" library in the pack to build on instead (see DESIGN.md).
package codegen

import (
	"bytes"
	"fmt"
	"go/format"
	"text/template"

	"github.com/runtara/runtara/compiler"
)

// Options configures the generated program.
type Options struct {
	// ModulePath is the Go module the generated binary lives in, used to
	// qualify imports of the shared compiler/runtime packages.
	ModulePath string

	// PackageName is almost always "main"; exposed for embedding the
	// generated program as a package instead, e.g. under test.
	PackageName string
}

// Generate renders cg into a gofmt'd Go source file implementing
// spec.md §4.5's "standalone native binary that, when run, registers with
// the Coordinator and executes the graph."
func Generate(cg *compiler.CompiledGraph, opts Options) ([]byte, error) {
	if opts.PackageName == "" {
		opts.PackageName = "main"
	}

	data := struct {
		Options
		Graph    string
		Children string
		AgentIDs []string
	}{
		Options:  opts,
		Graph:    fmt.Sprintf("%#v", cg.Graph),
		Children: fmt.Sprintf("%#v", cg.Children),
		AgentIDs: collectAgentIDs(cg),
	}

	tmpl, err := template.New("main.go").Parse(mainTemplate)
	if err != nil {
		return nil, &compiler.GenerationError{Message: "parse codegen template", Cause: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, &compiler.GenerationError{Message: "render generated source", Cause: err}
	}

	formatted, err := format.Source(buf.Bytes())
	if err != nil {
		// Surface the unformatted source alongside the error: a template
		// bug produces invalid Go, and the raw text is what a developer
		// needs to see to find it.
		return buf.Bytes(), &compiler.GenerationError{Message: "gofmt generated source", Cause: err}
	}
	return formatted, nil
}

func collectAgentIDs(cg *compiler.CompiledGraph) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(g *compiler.ExecutionGraph) {
		for _, step := range g.Steps {
			if step.Kind == compiler.KindAgent && !seen[step.Agent.AgentID] {
				seen[step.Agent.AgentID] = true
				ids = append(ids, step.Agent.AgentID)
			}
		}
	}
	add(cg.Graph)
	for _, child := range cg.Children {
		add(child)
	}
	return ids
}
