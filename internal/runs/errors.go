package runs

import "errors"

var (
	// ErrNotFound is returned when a run lookup misses.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a status update would violate
	// the run state machine.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrNotWaiting is returned by batch resume when the target run is no
	// longer in the waiting state (e.g. already resumed by a racing
	// caller).
	ErrNotWaiting = errors.New("run is not waiting")

	// ErrDuplicateContinuation is returned when a continuation_of_run_id
	// already has a continuation row; callers should fetch and reuse the
	// existing continuation instead.
	ErrDuplicateContinuation = errors.New("run already has a continuation")
)
