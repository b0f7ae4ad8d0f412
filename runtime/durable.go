package runtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"
)

// RetryPolicy configures Durable's retry/backoff behavior, adapted
// line-for-line from the teacher's graph.RetryPolicy (graph/policy.go):
// the same exponential-backoff-with-jitter formula and validation rule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// Validate mirrors graph.RetryPolicy.Validate.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &RuntimeError{Message: "retry policy: MaxAttempts must be >= 1"}
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return &RuntimeError{Message: "retry policy: MaxDelay must be >= BaseDelay"}
	}
	return nil
}

// DefaultRetryPolicy runs the function once, no retries.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// computeBackoff mirrors graph.computeBackoff: delay = min(base*2^attempt,
// maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	return delay + jitter
}

type durableMarker struct {
	Cached bool `json:"cached"`
}

// Durable turns a user function into a memoized idempotent action (spec.md
// §4.3's `#[durable]` wrapper): the cache key is checkpointed with a small
// marker first so a crash between the marker save and the outcome save still resumes
// correctly (the function just re-runs, since the marker alone carries no
// result); the actual result is stored under a second, derived checkpoint
// id once fn succeeds. Subsequent calls with the same key see the cached
// result and skip fn entirely.
func Durable[T any](ctx context.Context, b *Backend, key string, fn func(context.Context) (T, error), policy RetryPolicy) (T, error) {
	var zero T
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	if err := policy.Validate(); err != nil {
		return zero, err
	}

	markerKey := key
	outKey := key + ":out"

	markerResult, err := b.Checkpoint(ctx, markerKey, mustMarshal(durableMarker{Cached: true}))
	if err != nil {
		return zero, err
	}
	if markerResult.Found {
		outResult, err := b.GetCheckpoint(ctx, outKey)
		if err != nil {
			return zero, err
		}
		if outResult.Found {
			var out T
			if err := json.Unmarshal(outResult.State, &out); err != nil {
				return zero, &RuntimeError{Message: "decode cached durable result", CheckpointID: outKey, Cause: err}
			}
			return out, nil
		}
		// Marker was saved by a prior attempt that crashed before the
		// outcome checkpoint; fall through and re-run fn.
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return zero, ctx.Err()
				}
			}
		}

		out, err := fn(ctx)
		if err == nil {
			encoded, marshalErr := json.Marshal(out)
			if marshalErr != nil {
				return zero, &RuntimeError{Message: "encode durable result", CheckpointID: outKey, Cause: marshalErr}
			}
			if _, err := b.Checkpoint(ctx, outKey, encoded); err != nil {
				return zero, err
			}
			return out, nil
		}

		lastErr = err
		remaining, retryErr := b.RetryAttempt(ctx, key, attempt+1, err.Error())
		if retryErr != nil {
			return zero, retryErr
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			break
		}
		if remaining <= 0 {
			break
		}
	}

	return zero, &RuntimeError{Message: "durable action exhausted retries", CheckpointID: key, Cause: lastErr}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("runtime: marshal durable marker: " + err.Error())
	}
	return b
}
