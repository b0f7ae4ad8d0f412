package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/runtara/coordinator"
	"github.com/runtara/runtara/storage"
)

// newTestBackend spins up a real coordinator.Server over an in-process TCP
// listener and dials a Backend against it, so the SDK's save-or-fetch and
// retry paths exercise the real wire protocol rather than a mock.
func newTestBackend(t *testing.T, instanceID string) *Backend {
	t.Helper()
	store := storage.NewMemoryStore()
	srv := coordinator.NewServer(store, nil)
	_, err := store.RegisterInstance(context.Background(), &storage.Instance{InstanceID: instanceID, TenantID: "T", MaxAttempts: 5})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	b := NewBackend(Config{
		InstanceID:              instanceID,
		TenantID:                "T",
		ServerAddr:              ln.Addr().String(),
		InProcessSleepThreshold: 5 * time.Second,
	})
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Register(context.Background())
	require.NoError(t, err)
	return b
}

func TestBackend_Checkpoint_SaveOrFetch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, "I1")

	r1, err := b.Checkpoint(ctx, "s1", []byte("first"))
	require.NoError(t, err)
	require.False(t, r1.Found)

	r2, err := b.Checkpoint(ctx, "s1", []byte("second"))
	require.NoError(t, err)
	require.True(t, r2.Found)
	require.Equal(t, []byte("first"), r2.State)
}

func TestDurable_CachesResultAcrossCalls(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, "I2")

	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "result", nil
	}

	out1, err := Durable(ctx, b, "step1", fn, RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, "result", out1)

	out2, err := Durable(ctx, b, "step1", fn, RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, "result", out2)
	require.Equal(t, 1, calls) // fn must not re-run once the outcome is cached
}

func TestDurable_RetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, "I3")

	attempts := 0
	fn2 := func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errTransient
		}
		return 42, nil
	}

	out, err := Durable(ctx, b, "step2", fn2, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	require.Error(t, RetryPolicy{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: time.Second}.Validate())
	require.NoError(t, RetryPolicy{MaxAttempts: 1}.Validate())
}

func TestComputeBackoff_RespectsMaxDelay(t *testing.T) {
	d := computeBackoff(10, time.Second, 3*time.Second)
	require.LessOrEqual(t, d, 4*time.Second) // capped delay plus at most one base-width of jitter
}

func TestBackend_DedupSignal_FiresOnce(t *testing.T) {
	b := &Backend{handledSignal: make(map[storage.SignalType]bool)}
	require.True(t, b.DedupSignal(storage.SignalCancel))
	require.False(t, b.DedupSignal(storage.SignalCancel))
}

func TestConfigFromEnv_RequiresInstanceAndTenant(t *testing.T) {
	t.Setenv("RUNTARA_INSTANCE_ID", "")
	t.Setenv("RUNTARA_TENANT_ID", "")
	t.Setenv("RUNTARA_SERVER_ADDR", "127.0.0.1:7800")
	_, err := ConfigFromEnv()
	require.Error(t, err)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("RUNTARA_INSTANCE_ID", "I1")
	t.Setenv("RUNTARA_TENANT_ID", "T1")
	t.Setenv("RUNTARA_SERVER_ADDR", "127.0.0.1:7800")
	t.Setenv("RUNTARA_HEARTBEAT_INTERVAL_MS", "")
	t.Setenv("RUNTARA_SIGNAL_POLL_INTERVAL_MS", "")
	t.Setenv("RUNTARA_INPROCESS_SLEEP_THRESHOLD_MS", "")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 5*time.Second, cfg.InProcessSleepThreshold)
}

type transientError struct{}

func (transientError) Error() string { return "transient" }

var errTransient error = transientError{}
