// Package runtime is the SDK linked into every compiled workflow binary
// (spec.md §4.3): registration, checkpointing, durable sleep, signal
// polling, and the #[durable] memoization wrapper generated Agent-step
// code calls through.
package runtime

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is read once at process startup from the environment variables
// the Environment sets when it launches an instance (spec.md §6.5).
type Config struct {
	InstanceID string
	TenantID   string
	ServerAddr string
	DataDir    string

	// HeartbeatInterval is how often the background heartbeat task calls
	// Heartbeat(). Zero disables it.
	HeartbeatInterval time.Duration

	// SignalPollInterval rate-limits PollSignals calls made between
	// checkpoints.
	SignalPollInterval time.Duration

	// InProcessSleepThreshold is the durable-sleep cutoff below which
	// Sleep blocks in-process instead of suspending the instance. Resolves
	// Open Question 1 (spec.md §9): default 5s.
	InProcessSleepThreshold time.Duration

	// ResumeCheckpointID, when non-empty, is passed to Register so the
	// workflow resumes at this point instead of starting fresh.
	ResumeCheckpointID string
}

// ConfigFromEnv builds a Config from the process environment, applying
// spec.md §9's Open Question 1 default (5s) and §4.3's heartbeat default
// (30s) where the corresponding variable is unset.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		InstanceID:              os.Getenv("RUNTARA_INSTANCE_ID"),
		TenantID:                os.Getenv("RUNTARA_TENANT_ID"),
		ServerAddr:              os.Getenv("RUNTARA_SERVER_ADDR"),
		DataDir:                 os.Getenv("DATA_DIR"),
		HeartbeatInterval:       30 * time.Second,
		SignalPollInterval:      time.Second,
		InProcessSleepThreshold: 5 * time.Second,
		ResumeCheckpointID:      os.Getenv("RUNTARA_RESUME_CHECKPOINT_ID"),
	}

	if cfg.InstanceID == "" || cfg.TenantID == "" {
		return Config{}, fmt.Errorf("runtime: RUNTARA_INSTANCE_ID and RUNTARA_TENANT_ID are required")
	}
	if cfg.ServerAddr == "" {
		return Config{}, fmt.Errorf("runtime: RUNTARA_SERVER_ADDR is required")
	}

	if v, err := durationMSFromEnv("RUNTARA_HEARTBEAT_INTERVAL_MS"); err == nil && v != nil {
		cfg.HeartbeatInterval = *v
	} else if err != nil {
		return Config{}, err
	}
	if v, err := durationMSFromEnv("RUNTARA_SIGNAL_POLL_INTERVAL_MS"); err == nil && v != nil {
		cfg.SignalPollInterval = *v
	} else if err != nil {
		return Config{}, err
	}
	if v, err := durationMSFromEnv("RUNTARA_INPROCESS_SLEEP_THRESHOLD_MS"); err == nil && v != nil {
		cfg.InProcessSleepThreshold = *v
	} else if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func durationMSFromEnv(name string) (*time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("runtime: parse %s: %w", name, err)
	}
	d := time.Duration(ms) * time.Millisecond
	return &d, nil
}
