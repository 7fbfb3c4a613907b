// Package resilience provides the transient-dial-failure retry helper the
// default Transport wraps outbound calls with. It is deliberately narrow:
// it only covers a single request attempt's network-level dial/connect
// failures, not HTTP status codes, and it never substitutes for
// Resource.LoadIfNeeded's own retry_time gating, which is a separate,
// application-visible policy.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// Retryable decides whether err should trigger another attempt. A nil
	// Retryable retries every non-nil error.
	Retryable func(err error) bool

	Logger *slog.Logger
}

// DefaultRetryPolicy returns 3 retries, a 100ms base delay doubling up to
// 5s, with jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry runs operation, retrying on failure per policy with exponential
// backoff. Context cancellation during a backoff wait returns ctx.Err()
// immediately rather than continuing to retry.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.Retryable != nil && !policy.Retryable(err) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			logger.Debug("transport retry exhausted", "attempts", attempt+1, "error", err)
			break
		}

		logger.Debug("transport attempt failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if !waitWithContext(ctx, jittered(delay, policy.Jitter)) {
			return ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}
	return fmt.Errorf("rescache: transport failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func nextDelay(cur time.Duration, policy *RetryPolicy) time.Duration {
	next := time.Duration(float64(cur) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

func jittered(d time.Duration, enabled bool) time.Duration {
	if !enabled || d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 10))
	return d + jitter
}

func waitWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
