package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/environment/runner"
	"github.com/runtara/runtara/storage"
)

// Handlers implements the Environment's lifecycle controller: StartInstance,
// StopInstance, ResumeInstance, and SendSignal proxying, per spec.md §4.4.
type Handlers struct {
	store      Store
	runner     runner.Runner
	dataDir    string
	serverAddr string
	emitter    emit.Emitter

	// SendSignal is proxied to the Coordinator's management endpoint; this
	// field is set by the cmd/environment wiring to an rpc.Client-backed
	// closure so this package does not import rpc directly (it only needs
	// to send a signal, not speak the whole coordinator protocol).
	signalProxy func(ctx context.Context, instanceID string, sigType storage.SignalType, payload []byte) error

	// onFinish is invoked by the monitor task once it has applied the
	// terminal/suspended/sleeping transition reported in output.json,
	// letting callers (e.g. the wake dispatcher wiring) react without
	// polling. It is not invoked when the process exits without a result
	// or output.json cannot be read; those paths mark the instance Failed
	// and return.
	onFinish func(instanceID string, out *Output)
}

// Option configures Handlers at construction.
type Option func(*Handlers)

func WithSignalProxy(fn func(ctx context.Context, instanceID string, sigType storage.SignalType, payload []byte) error) Option {
	return func(h *Handlers) { h.signalProxy = fn }
}

func WithOnFinish(fn func(instanceID string, out *Output)) Option {
	return func(h *Handlers) { h.onFinish = fn }
}

// WithEmitter installs the observability sink lifecycle events flow to.
// Unset, Handlers discards everything (emit.NullEmitter).
func WithEmitter(e emit.Emitter) Option {
	return func(h *Handlers) {
		if e != nil {
			h.emitter = e
		}
	}
}

func NewHandlers(store Store, rn runner.Runner, dataDir, serverAddr string, opts ...Option) *Handlers {
	h := &Handlers{store: store, runner: rn, dataDir: dataDir, serverAddr: serverAddr, emitter: emit.NewNullEmitter()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StartInstance loads the image, registers a Pending instance row, launches
// the process, records its container registration, and spawns a background
// monitor task that applies the post-exit transition. It returns as soon as
// the process is launched; callers poll GetInstanceStatus for progress.
func (h *Handlers) StartInstance(ctx context.Context, instanceID, tenantID, imageID string, maxAttempts int) (*storage.Instance, error) {
	img, err := h.store.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &LifecycleError{Message: "start on unknown image", InstanceID: instanceID, Code: "NOT_FOUND", Cause: ErrUnknownImage}
		}
		return nil, &LifecycleError{Message: "load image", InstanceID: instanceID, Cause: err}
	}

	inst := &storage.Instance{
		InstanceID:  instanceID,
		TenantID:    tenantID,
		ImageID:     imageID,
		Status:      storage.StatusPending,
		MaxAttempts: maxAttempts,
	}
	saved, err := h.store.RegisterInstance(ctx, inst)
	if err != nil {
		return nil, &LifecycleError{Message: "register instance", InstanceID: instanceID, Cause: err}
	}

	h.launchAndMonitor(ctx, saved, img, runner.LaunchOptions{})
	return saved, nil
}

func (h *Handlers) launchAndMonitor(ctx context.Context, inst *storage.Instance, img *storage.Image, extra runner.LaunchOptions) {
	opts := runner.LaunchOptions{
		InstanceID:         inst.InstanceID,
		TenantID:           inst.TenantID,
		BinaryPath:         img.BinaryPath,
		BundlePath:         img.BundlePath,
		DataDir:            h.dataDir,
		ServerAddr:         h.serverAddr,
		ResumeCheckpointID: extra.ResumeCheckpointID,
	}

	handle, err := h.runner.LaunchDetached(ctx, opts)
	if err != nil {
		_, _ = h.store.SetStatus(ctx, inst.InstanceID, storage.StatusFailed, nil, fmt.Sprintf("launch failed: %v", err))
		h.emitter.Emit(emit.Event{InstanceID: inst.InstanceID, Component: "environment.lifecycle", Msg: "launch_failed", Meta: map[string]any{"error": err.Error()}})
		return
	}
	h.emitter.Emit(emit.Event{InstanceID: inst.InstanceID, Component: "environment.lifecycle", Msg: "instance_launched", Meta: map[string]any{"handle": handle.ID}})

	reg := &storage.ContainerRegistration{
		InstanceID:  inst.InstanceID,
		HandleID:    handle.ID,
		StartedAt:   time.Now(),
		BinaryPath:  img.BinaryPath,
		BundlePath:  img.BundlePath,
		LastEventAt: time.Now(),
	}
	if err := h.store.SaveContainerRegistration(ctx, reg); err != nil {
		return
	}

	go h.monitor(inst.InstanceID, inst.TenantID, handle)
}

// monitor waits for the process to exit, reads output.json, and applies the
// corresponding status transition. It runs detached from the request that
// triggered the launch: spec.md §4.4 says StartInstance returns immediately.
func (h *Handlers) monitor(instanceID, tenantID string, handle runner.Handle) {
	ctx := context.Background()
	result, err := h.runner.CollectResult(ctx, handle)
	if err != nil || result.Err != nil {
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusFailed, nil, "process exited without a result")
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		return
	}

	out, err := ReadOutput(h.dataDir, tenantID, instanceID)
	if err != nil {
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusFailed, nil, err.Error())
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		return
	}

	switch out.Status {
	case OutputCompleted:
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusCompleted, out.Result, "")
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "environment.lifecycle", Msg: "instance_completed"})
	case OutputFailed:
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusFailed, nil, out.Error)
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "environment.lifecycle", Msg: "instance_failed", Meta: map[string]any{"error": out.Error}})
	case OutputCancelled:
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusCancelled, nil, "")
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "environment.lifecycle", Msg: "instance_cancelled"})
	case OutputSleeping:
		wakeAt := time.Now().Add(out.WakeAfter())
		_ = h.store.ScheduleWake(ctx, &storage.WakeEntry{InstanceID: instanceID, CheckpointID: out.CheckpointID, WakeAt: wakeAt})
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusSuspended, nil, "")
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "environment.lifecycle", Msg: "instance_sleeping", Meta: map[string]any{"wake_at": wakeAt}})
	case OutputSuspended:
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusSuspended, nil, "")
		_ = h.store.DeleteContainerRegistration(ctx, instanceID)
		h.emitter.Emit(emit.Event{InstanceID: instanceID, Component: "environment.lifecycle", Msg: "instance_suspended"})
	}

	if h.onFinish != nil {
		h.onFinish(instanceID, out)
	}
}

// StopInstance proxies a Cancel signal, then after grace terminates the
// process if it is still running and marks it Failed with reason.
func (h *Handlers) StopInstance(ctx context.Context, instanceID string, grace time.Duration, reason string) error {
	if h.signalProxy != nil {
		if err := h.signalProxy(ctx, instanceID, storage.SignalCancel, nil); err != nil {
			return &LifecycleError{Message: "proxy cancel signal", InstanceID: instanceID, Cause: err}
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	reg, err := h.store.GetContainerRegistration(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return &LifecycleError{Message: "load container registration", InstanceID: instanceID, Cause: err}
	}

	handle := runner.Handle{ID: reg.HandleID, PID: reg.PID}
	running, err := h.runner.IsRunning(ctx, handle)
	if err == nil && running {
		_ = h.runner.Stop(ctx, handle, grace)
		_, _ = h.store.SetStatus(ctx, instanceID, storage.StatusFailed, nil, reason)
	}
	_ = h.store.DeleteContainerRegistration(ctx, instanceID)
	return nil
}

// ResumeInstance re-launches a Suspended instance from its current image,
// injecting the resume checkpoint id into LaunchOptions.
func (h *Handlers) ResumeInstance(ctx context.Context, instanceID string) error {
	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &LifecycleError{Message: "resume unknown instance", InstanceID: instanceID, Code: "NOT_FOUND", Cause: ErrUnknownInstance}
		}
		return &LifecycleError{Message: "load instance", InstanceID: instanceID, Cause: err}
	}
	if inst.Status != storage.StatusSuspended {
		return &LifecycleError{Message: "instance is not suspended", InstanceID: instanceID, Code: "NOT_SUSPENDED", Cause: ErrNotSuspended}
	}
	img, err := h.store.GetImage(ctx, inst.ImageID)
	if err != nil {
		return &LifecycleError{Message: "load image for resume", InstanceID: instanceID, Cause: err}
	}

	if _, err := h.store.SetStatus(ctx, instanceID, storage.StatusRunning, nil, ""); err != nil {
		return &LifecycleError{Message: "mark running for resume", InstanceID: instanceID, Cause: err}
	}
	h.launchAndMonitor(ctx, inst, img, runner.LaunchOptions{ResumeCheckpointID: inst.CheckpointID})
	return nil
}

// SendSignal proxies a signal to the Coordinator's management endpoint.
func (h *Handlers) SendSignal(ctx context.Context, instanceID string, sigType storage.SignalType, payload []byte) error {
	if h.signalProxy == nil {
		return &LifecycleError{Message: "no signal proxy configured", InstanceID: instanceID}
	}
	if err := h.signalProxy(ctx, instanceID, sigType, payload); err != nil {
		return &LifecycleError{Message: "send signal", InstanceID: instanceID, Cause: err}
	}
	return nil
}
