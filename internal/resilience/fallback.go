package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoStrategies is returned when Fallback is called with an empty chain.
var ErrNoStrategies = errors.New("no strategies configured")

// ErrAllStrategies is returned when every strategy in the chain failed.
var ErrAllStrategies = errors.New("all strategies failed")

// Strategy is one entry in an ordered fallback chain, most capable first.
type Strategy[T any] struct {
	Name string
	Run  func(context.Context) (T, error)
}

// FallbackResult carries the successful value and which strategy produced it.
type FallbackResult[T any] struct {
	Value T
	Index int
	Name  string
}

// Fallback tries each strategy in order and returns on the first success.
// Intermediate failures are logged, not returned; if every strategy fails the
// error wraps ErrAllStrategies and the last failure.
func Fallback[T any](ctx context.Context, strategies []Strategy[T]) (FallbackResult[T], error) {
	if len(strategies) == 0 {
		return FallbackResult[T]{Index: -1}, ErrNoStrategies
	}

	var lastErr error
	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			return FallbackResult[T]{Index: -1}, err
		}

		value, err := s.Run(ctx)
		if err == nil {
			return FallbackResult[T]{Value: value, Index: i, Name: s.Name}, nil
		}
		lastErr = err
		slog.Warn("strategy failed, falling back",
			"strategy", s.Name,
			"index", i,
			"remaining", len(strategies)-i-1,
			"error", err,
		)
	}

	return FallbackResult[T]{Index: -1}, fmt.Errorf("%w: last error: %w", ErrAllStrategies, lastErr)
}
