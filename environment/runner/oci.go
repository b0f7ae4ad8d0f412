package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// OCIRunner shells out to an external OCI runtime binary (runc/crun). The
// runtime itself is an out-of-scope external collaborator (spec.md §1); this
// type only constructs the bundle directory layout and an os/exec.Cmd, which
// is unavoidably standard-library — no repo in the pack vendors a pure-Go OCI
// runtime client (see DESIGN.md).
type OCIRunner struct {
	// RuntimeBinary is the OCI runtime executable, e.g. "runc" or "crun".
	RuntimeBinary string

	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewOCIRunner returns an OCIRunner invoking runtimeBinary for every
// container operation.
func NewOCIRunner(runtimeBinary string) *OCIRunner {
	return &OCIRunner{RuntimeBinary: runtimeBinary, procs: make(map[string]*os.Process)}
}

func (r *OCIRunner) containerID(opts LaunchOptions) string {
	return "runtara-" + opts.InstanceID
}

func (r *OCIRunner) Run(ctx context.Context, opts LaunchOptions) (Result, error) {
	h, err := r.LaunchDetached(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	return r.CollectResult(ctx, h)
}

func (r *OCIRunner) LaunchDetached(ctx context.Context, opts LaunchOptions) (Handle, error) {
	cid := r.containerID(opts)
	bundle := opts.BundlePath
	if bundle == "" {
		return Handle{}, fmt.Errorf("environment/runner: launch %s: empty bundle path", opts.InstanceID)
	}

	cmd := exec.CommandContext(ctx, r.RuntimeBinary, "run", "--bundle", bundle, "-d", cid)
	cmd.Dir = filepath.Dir(bundle)
	cmd.Env = append(os.Environ(), envSlice(opts)...)
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("environment/runner: start %s: %w", opts.InstanceID, err)
	}

	r.mu.Lock()
	r.procs[cid] = cmd.Process
	r.mu.Unlock()

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	return Handle{ID: cid, PID: pid}, nil
}

func (r *OCIRunner) IsRunning(ctx context.Context, h Handle) (bool, error) {
	out, err := exec.CommandContext(ctx, r.RuntimeBinary, "state", h.ID).CombinedOutput()
	if err != nil {
		return false, nil
	}
	return len(out) > 0, nil
}

func (r *OCIRunner) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	if err := exec.CommandContext(ctx, r.RuntimeBinary, "kill", h.ID, "SIGTERM").Run(); err != nil {
		return fmt.Errorf("environment/runner: stop %s: %w", h.ID, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		_ = exec.CommandContext(ctx, r.RuntimeBinary, "kill", h.ID, "SIGKILL").Run()
	case <-ctx.Done():
	}
	_ = exec.CommandContext(ctx, r.RuntimeBinary, "delete", "-f", h.ID).Run()
	return nil
}

func (r *OCIRunner) CollectResult(ctx context.Context, h Handle) (Result, error) {
	r.mu.Lock()
	proc := r.procs[h.ID]
	delete(r.procs, h.ID)
	r.mu.Unlock()

	start := time.Now()
	if proc != nil {
		state, err := proc.Wait()
		if err != nil {
			return Result{Err: err}, nil
		}
		return Result{Metrics: Metrics{WallTime: time.Since(start), ExitCode: state.ExitCode()}}, nil
	}
	return Result{Metrics: Metrics{WallTime: time.Since(start)}}, nil
}

func envSlice(opts LaunchOptions) []string {
	env := []string{
		"RUNTARA_INSTANCE_ID=" + opts.InstanceID,
		"RUNTARA_TENANT_ID=" + opts.TenantID,
		"RUNTARA_SERVER_ADDR=" + opts.ServerAddr,
		"DATA_DIR=" + opts.DataDir,
	}
	if opts.ResumeCheckpointID != "" {
		env = append(env, "RUNTARA_RESUME_CHECKPOINT_ID="+opts.ResumeCheckpointID)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}
