package codegen

// mainTemplate renders the entrypoint every compiled workflow binary
// ships: parse startup config, register with the Coordinator, build the
// capability/connection collaborators, and hand the embedded graph to the
// shared interpreter (compiler/exec).
const mainTemplate = `// Code generated by runtara's workflow compiler. DO NOT EDIT.

package {{.PackageName}}

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"{{.ModulePath}}/compiler"
	"{{.ModulePath}}/compiler/connection"
	"{{.ModulePath}}/compiler/exec"
	"{{.ModulePath}}/compiler/expr"
	"{{.ModulePath}}/runtime"
	"{{.ModulePath}}/runtime/agent"
)

var _ = expr.Truthy // keep the expr import even for graphs with no expression nodes

var compiledGraph = {{.Graph}}

var compiledChildren = {{.Children}}

// registerAgents wires each agent id this workflow calls to a configured
// capability. Filled in per deployment; the compiler only knows the ids a
// graph references, not how to reach them.
//
// Agent ids referenced by this workflow:
{{range .AgentIDs}}//   - {{.}}
{{end}}func registerAgents(reg *agent.Registry) {
	_ = reg
}

func main() {
	cfg, err := runtime.ConfigFromEnv()
	if err != nil {
		log.Fatalf("runtara: config: %v", err)
	}

	ctx := context.Background()
	sdk, resumeCheckpointID, err := runtime.RegisterSDK(ctx, cfg)
	if err != nil {
		log.Fatalf("runtara: register: %v", err)
	}
	defer func() { _ = sdk.Close() }()

	registry := agent.NewRegistry()
	registerAgents(registry)

	var initialData map[string]any
	if raw := os.Getenv("RUNTARA_INITIAL_INPUT"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &initialData); err != nil {
			log.Fatalf("runtara: decode RUNTARA_INITIAL_INPUT: %v", err)
		}
	}

	deps := exec.Deps{
		SDK:        sdk,
		Agents:     registry,
		Connection: connection.NewClient(os.Getenv("RUNTARA_CONNECTION_SERVICE_ADDR")),
		TenantID:   cfg.TenantID,
		Children:   compiledChildren,
	}

	if err := exec.Run(ctx, deps, compiledGraph, initialData, resumeCheckpointID); err != nil {
		log.Fatalf("runtara: workflow failed: %v", err)
	}
}
`
