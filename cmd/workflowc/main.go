// Command workflowc compiles a JSON ExecutionGraph (and its transitively
// referenced child scenarios) into a standalone Go program implementing
// the workflow, per spec.md §4.5.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/runtara/runtara/compiler"
	"github.com/runtara/runtara/compiler/codegen"
)

func main() {
	var (
		graphPath   = flag.String("graph", "", "path to the entry-point ExecutionGraph JSON file (required)")
		childrenDir = flag.String("children", "", "directory of child-scenario ExecutionGraph JSON files, named <scenario_id>.json")
		out         = flag.String("out", "main.go", "output path for the generated Go source")
		modulePath  = flag.String("module", "github.com/runtara/runtara", "module path the generated program imports shared packages from")
		packageName = flag.String("package", "main", "package name for the generated source")
	)
	flag.Parse()

	if *graphPath == "" {
		log.Fatal("workflowc: -graph is required")
	}

	g, err := loadGraph(*graphPath)
	if err != nil {
		log.Fatalf("workflowc: load graph: %v", err)
	}

	children, err := loadChildren(*childrenDir)
	if err != nil {
		log.Fatalf("workflowc: load children: %v", err)
	}

	compiled, err := compiler.Compile(g, children)
	if err != nil {
		log.Fatalf("workflowc: compile: %v", err)
	}

	src, err := codegen.Generate(compiled, codegen.Options{ModulePath: *modulePath, PackageName: *packageName})
	if err != nil {
		log.Fatalf("workflowc: generate: %v", err)
	}

	if err := os.WriteFile(*out, src, 0o644); err != nil {
		log.Fatalf("workflowc: write %s: %v", *out, err)
	}
	fmt.Printf("workflowc: wrote %s (%d agent ids referenced)\n", *out, len(collectAgentIDsForReport(compiled)))
}

func loadGraph(path string) (*compiler.ExecutionGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g compiler.ExecutionGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &g, nil
}

// loadChildren reads every *.json file in dir as an ExecutionGraph, keyed
// by its filename without extension — the StartScenario step's
// scenario_id the compiler looks the child up by.
func loadChildren(dir string) (map[string]*compiler.ExecutionGraph, error) {
	children := make(map[string]*compiler.ExecutionGraph)
	if dir == "" {
		return children, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isJSON(entry.Name()) {
			continue
		}
		scenarioID := trimJSON(entry.Name())
		g, err := loadGraph(dir + "/" + entry.Name())
		if err != nil {
			return nil, err
		}
		children[scenarioID] = g
	}
	return children, nil
}

func isJSON(name string) bool {
	return len(name) > 5 && name[len(name)-5:] == ".json"
}

func trimJSON(name string) string {
	return name[:len(name)-5]
}

func collectAgentIDsForReport(cg *compiler.CompiledGraph) map[string]bool {
	seen := make(map[string]bool)
	note := func(g *compiler.ExecutionGraph) {
		for _, step := range g.Steps {
			if step.Kind == compiler.KindAgent {
				seen[step.Agent.AgentID] = true
			}
		}
	}
	note(cg.Graph)
	for _, child := range cg.Children {
		note(child)
	}
	return seen
}
