package runner

import (
	"context"
	"sync"
	"time"
)

// MockRunner is a test implementation of Runner, in the shape of the
// teacher's MockTool/MockModel: configurable results, call history
// tracking, error injection, thread-safe.
type MockRunner struct {
	// Result is returned by CollectResult for every handle, unless
	// ResultByInstance overrides it.
	Result Result
	// ResultByInstance overrides Result for specific instance ids (keyed by
	// the LaunchOptions.InstanceID used at launch).
	ResultByInstance map[string]Result
	// LaunchErr, if set, is returned by LaunchDetached instead of a handle.
	LaunchErr error
	// Running controls IsRunning's answer for handles not yet collected.
	Running bool

	mu        sync.Mutex
	Launches  []LaunchOptions
	collected map[string]bool
}

func (m *MockRunner) Run(ctx context.Context, opts LaunchOptions) (Result, error) {
	h, err := m.LaunchDetached(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	return m.CollectResult(ctx, h)
}

func (m *MockRunner) LaunchDetached(ctx context.Context, opts LaunchOptions) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LaunchErr != nil {
		return Handle{}, m.LaunchErr
	}
	m.Launches = append(m.Launches, opts)
	if m.collected == nil {
		m.collected = make(map[string]bool)
	}
	return Handle{ID: opts.InstanceID}, nil
}

func (m *MockRunner) IsRunning(ctx context.Context, h Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collected[h.ID] {
		return false, nil
	}
	return m.Running, nil
}

func (m *MockRunner) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collected[h.ID] = true
	return nil
}

func (m *MockRunner) CollectResult(ctx context.Context, h Handle) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collected == nil {
		m.collected = make(map[string]bool)
	}
	m.collected[h.ID] = true
	if res, ok := m.ResultByInstance[h.ID]; ok {
		return res, nil
	}
	return m.Result, nil
}
