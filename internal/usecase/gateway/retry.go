package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
)

// RetryPolicy controls RetryIdempotent. Zero-value fields fall back to the
// configuration defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

// RetryPolicyFromConfig builds a retry policy from gateway configuration.
func RetryPolicyFromConfig(cfg config.RetryConfig, logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Logger:      logger,
	}
}

// RetryIdempotent re-invokes op on transient failure with exponential
// backoff. The name carries the contract: callers must pass only operations
// that are safe to repeat. Invoke never applies this on its own, and
// deterministic failures (validation, permission, unknown command) are never
// retried regardless of attempts remaining.
func RetryIdempotent[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			return zero, err
		}

		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			if policy.Logger != nil {
				policy.Logger.Info("retrying after error",
					"attempt", attempt+1, "delay", delay, "error", err)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 8 * time.Second
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max {
		delay = max
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
