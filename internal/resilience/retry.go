// Package resilience provides generic retry, fallback, degradation, and
// circuit breaking for calls to unreliable external services.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAttemptTimeout marks a single attempt that exceeded the per-attempt
// timeout. It counts as a failure for backoff purposes.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // backoff before the second attempt
	MaxDelay    time.Duration // backoff cap; 0 = uncapped
	Timeout     time.Duration // per-attempt timeout; 0 = none
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	return c
}

// RetryResult carries the successful value and how many attempts were spent.
type RetryResult[T any] struct {
	Value    T
	Attempts int
}

// Retry runs op up to cfg.MaxAttempts times, racing each attempt against the
// per-attempt timeout and waiting min(BaseDelay·2^(n−1), MaxDelay) between
// attempts. A cancelled ctx aborts both the in-flight attempt and any
// remaining backoff wait. Intermediate failures are logged, not returned; the
// final attempt's error is.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (RetryResult[T], error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{Attempts: attempt - 1}, err
		}

		value, err := runAttempt(ctx, cfg.Timeout, op)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: attempt}, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		slog.Warn("attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return RetryResult[T]{Attempts: attempt}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return RetryResult[T]{Value: zero, Attempts: cfg.MaxAttempts},
		fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

// runAttempt races a single invocation of op against the per-attempt timeout.
// The op receives a context that is cancelled when the timeout fires, but the
// race does not wait for it to notice: a timeout counts as a failure
// immediately.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrAttemptTimeout
	}
}

// backoffDelay returns min(base·2^(failures−1), max) for the given 1-based
// failure count. Shifts are capped to avoid overflow on absurd counts.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 32 {
		failures = 32
	}
	delay := base << uint(failures-1)
	if delay <= 0 || (max > 0 && delay > max) {
		if max > 0 {
			return max
		}
		return base
	}
	return delay
}
