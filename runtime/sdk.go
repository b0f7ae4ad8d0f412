package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SDK is the handle a compiled workflow's main function installs at
// startup and threads through every generated step. It bundles the
// Backend (RPC + local signal-dedup state) with the process-level
// concerns generated code needs: writing the final output.json and
// stopping the background heartbeat task on exit.
type SDK struct {
	Backend *Backend
	Config  Config

	cancelHeartbeat context.CancelFunc
}

// RegisterSDK dials the Coordinator, calls RegisterInstance, and (unless
// disabled) starts the background heartbeat task. It returns the resume
// checkpoint id the instance should continue from (empty on a fresh
// start), matching spec.md §4.1's RegisterInstance contract.
func RegisterSDK(ctx context.Context, cfg Config) (*SDK, string, error) {
	backend := NewBackend(cfg)

	resumeCheckpointID, err := backend.Register(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, "", err
	}
	if resumeCheckpointID == "" {
		resumeCheckpointID = cfg.ResumeCheckpointID
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	startHeartbeat(hbCtx, cfg.InstanceID, backend.Client(), cfg.HeartbeatInterval)

	sdk := &SDK{Backend: backend, Config: cfg, cancelHeartbeat: cancel}
	return sdk, resumeCheckpointID, nil
}

// Close stops the heartbeat task and releases the Coordinator connection.
func (s *SDK) Close() error {
	if s.cancelHeartbeat != nil {
		s.cancelHeartbeat()
	}
	return s.Backend.Close()
}

// output mirrors the JSON shape of environment.Output (spec.md §6.4). A
// separate, minimal definition is kept here rather than importing the
// environment package, since the instance binary and the Environment
// process are deliberately decoupled processes that only share a file
// format, not a Go dependency.
type output struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	WakeAfterMS  uint64          `json:"wake_after_ms,omitempty"`
}

func (s *SDK) writeOutput(o output) error {
	path := filepath.Join(s.Config.DataDir, s.Config.TenantID, "runs", s.Config.InstanceID, "output.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runtime: make run directory: %w", err)
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("runtime: encode output: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runtime: write output: %w", err)
	}
	return nil
}

// FinishCompleted reports the instance completed with result, both to the
// Coordinator (so GetInstanceStatus reflects it immediately) and to
// output.json (so the Environment's monitor applies the transition even
// if the Coordinator call is lost during process exit).
func (s *SDK) FinishCompleted(ctx context.Context, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return &RuntimeError{Message: "encode completion result", Cause: err}
	}
	if err := s.Backend.Completed(ctx, encoded); err != nil {
		return err
	}
	return s.writeOutput(output{Status: "completed", Result: encoded})
}

// FinishFailed reports the instance failed with workflowErr.
func (s *SDK) FinishFailed(ctx context.Context, workflowErr error) error {
	msg := workflowErr.Error()
	if err := s.Backend.Failed(ctx, msg); err != nil {
		return err
	}
	return s.writeOutput(output{Status: "failed", Error: msg})
}

// FinishCancelled reports the instance terminated via a Cancel signal —
// a distinct, non-error terminal status from Failed (spec.md §7).
func (s *SDK) FinishCancelled(ctx context.Context) error {
	return s.writeOutput(output{Status: "cancelled"})
}

// FinishSuspended reports the instance suspended (e.g. on a Pause signal)
// at checkpointID.
func (s *SDK) FinishSuspended(ctx context.Context, checkpointID string) error {
	if err := s.Backend.Suspended(ctx); err != nil {
		return err
	}
	return s.writeOutput(output{Status: "suspended", CheckpointID: checkpointID})
}

// FinishSleeping reports the instance exiting to wait out a wake-queue
// durable sleep scheduled at checkpointID, wakeAfterMS from now.
func (s *SDK) FinishSleeping(ctx context.Context, checkpointID string, wakeAfterMS uint64) error {
	return s.writeOutput(output{Status: "sleeping", CheckpointID: checkpointID, WakeAfterMS: wakeAfterMS})
}
