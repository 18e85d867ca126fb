package barrier

import "errors"

var (
	// ErrNotFound is returned when a barrier lookup misses.
	ErrNotFound = errors.New("barrier not found")

	// ErrJobNotFound is returned when a barrier job lookup misses.
	ErrJobNotFound = errors.New("barrier job not found")

	// ErrAlreadyClaimed is returned by Store.Complete when the barrier has
	// already moved past waiting (e.g. another caller already claimed the
	// final completion and triggered resume).
	ErrAlreadyClaimed = errors.New("barrier already claimed")
)
