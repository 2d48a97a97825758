package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by a breaker that is rejecting calls without
// invoking the wrapped operation. Callers can map it to a distinct
// "temporarily unavailable" surface.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one external dependency. Construct one instance per
// fault domain and share it by reference among all call sites that hit that
// dependency.
//
// Transitions: closed→open at threshold consecutive failures; open→half-open
// once resetAfter has elapsed since entering open; half-open→closed on probe
// success (failure count resets); half-open→open on probe failure (the open
// timer restarts). In half-open exactly one probe call is allowed; concurrent
// callers get ErrCircuitOpen.
type CircuitBreaker struct {
	threshold  int
	resetAfter time.Duration
	now        func() time.Time // injectable for tests

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and allows a probe resetAfter later.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Do runs op through the breaker. When the circuit is open (or another probe
// is already in flight) it returns ErrCircuitOpen without invoking op.
func (b *CircuitBreaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err == nil)
	return err
}

// Guard is Do for operations that return a value.
func Guard[T any](ctx context.Context, b *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var value T
	err := b.Do(ctx, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}

// State returns the breaker's current position, advancing open→half-open if
// the reset timer has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent recorded failure.
func (b *CircuitBreaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.state = StateClosed
			b.failures = 0
			return
		}
		b.state = StateOpen
		b.openedAt = b.now()
		b.lastFailure = b.openedAt
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.lastFailure
	}
}

// maybeHalfOpen advances open→half-open once the reset timer elapses.
// Caller must hold b.mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetAfter {
		b.state = StateHalfOpen
		b.probing = false
	}
}
