package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var gaps []time.Duration
	last := time.Now()

	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}
	result, err := Retry(context.Background(), cfg, func(_ context.Context) (string, error) {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if result.Value != "ok" {
		t.Errorf("value = %q, want %q", result.Value, "ok")
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}

	// Inter-attempt delays must follow the exponential schedule.
	if gaps[1] < 20*time.Millisecond {
		t.Errorf("first backoff = %v, want >= 20ms", gaps[1])
	}
	if gaps[2] < 40*time.Millisecond {
		t.Errorf("second backoff = %v, want >= 40ms", gaps[2])
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := Retry(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestRetry_NoRetryAfterFinalAttempt(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}
	_, err := Retry(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestRetry_PerAttemptTimeout(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Timeout: 10 * time.Millisecond}
	_, err := Retry(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done() // hang until the attempt timeout fires
			return 0, ctx.Err()
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2 (timeout counts as a failure)", calls)
	}
}

func TestRetry_TimeoutIsFinalError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Timeout: 5 * time.Millisecond}
	_, err := Retry(context.Background(), cfg, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("error = %v, want ErrAttemptTimeout", err)
	}
}

func TestRetry_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, cfg, func(_ context.Context) (int, error) {
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, backoff was not aborted", elapsed)
	}
}

func TestBackoffDelay_CappedAtMax(t *testing.T) {
	if d := backoffDelay(time.Second, 3*time.Second, 10); d != 3*time.Second {
		t.Errorf("delay = %v, want 3s cap", d)
	}
	if d := backoffDelay(time.Second, 0, 2); d != 2*time.Second {
		t.Errorf("delay = %v, want 2s", d)
	}
}
