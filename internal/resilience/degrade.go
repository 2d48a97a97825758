package resilience

import "log/slog"

// Degrade salvages a partially-failed call. If err is nil the data passes
// through untouched. If err is non-nil but partial contains at least one
// usable item, the call is treated as successful-but-degraded: the error is
// logged and the partial data returned with degraded = true. With no usable
// items the original error propagates.
func Degrade[T any](partial []T, err error) ([]T, bool, error) {
	if err == nil {
		return partial, false, nil
	}
	if len(partial) > 0 {
		slog.Warn("degraded result: continuing with partial data",
			"items", len(partial),
			"error", err,
		)
		return partial, true, nil
	}
	return nil, false, err
}
