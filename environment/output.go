package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// OutputStatus is the terminal-or-suspended status a workflow process
// reports in output.json just before exit.
type OutputStatus string

const (
	OutputCompleted OutputStatus = "completed"
	OutputFailed    OutputStatus = "failed"
	OutputSuspended OutputStatus = "suspended"
	OutputSleeping  OutputStatus = "sleeping"
	OutputCancelled OutputStatus = "cancelled"
)

// Output is the decoded contents of $DATA_DIR/$TENANT/runs/$INSTANCE/
// output.json, per spec.md §6.4.
type Output struct {
	Status       OutputStatus    `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	WakeAfterMS  uint64          `json:"wake_after_ms,omitempty"`
}

// OutputPath returns the well-known output file location for an instance.
func OutputPath(dataDir, tenantID, instanceID string) string {
	return filepath.Join(dataDir, tenantID, "runs", instanceID, "output.json")
}

// ReadOutput loads and validates output.json for a finished instance run.
func ReadOutput(dataDir, tenantID, instanceID string) (*Output, error) {
	path := OutputPath(dataDir, tenantID, instanceID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("environment: read output for %s: %w", instanceID, err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("environment: decode output for %s: %w", instanceID, err)
	}
	switch out.Status {
	case OutputCompleted, OutputFailed, OutputSuspended, OutputSleeping, OutputCancelled:
	default:
		return nil, fmt.Errorf("environment: instance %s: unknown output status %q", instanceID, out.Status)
	}
	return &out, nil
}

// WakeAfter converts WakeAfterMS to a time.Duration.
func (o *Output) WakeAfter() time.Duration {
	return time.Duration(o.WakeAfterMS) * time.Millisecond
}
