// Package runs implements the run state machine: creation, status
// transitions, and the continuation chain that links a deferred run to its
// resuming successor.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Store persists Run rows and enforces the status transition rules and the
// at-most-one-continuation invariant.
type Store interface {
	// Create inserts a new run in status running and assigns it an id.
	Create(ctx context.Context, run *models.Run) error

	// Get returns a run by id.
	Get(ctx context.Context, id int64) (*models.Run, error)

	// UpdateStatus moves run id from its current status to next, failing
	// with ErrInvalidTransition if the move is not legal. fn, if non-nil,
	// is invoked with the loaded run before the status is written and may
	// mutate other fields (summary, error, finished_at) atomically with
	// the transition.
	UpdateStatus(ctx context.Context, id int64, next models.RunStatus, fn func(*models.Run) error) error

	// TransitionIf atomically moves run id from expectedCurrent to next,
	// returning ErrNotWaiting (or ErrInvalidTransition for non-waiting
	// callers) if the row is no longer in expectedCurrent. This is the
	// primitive batch resume uses to claim a waiting run exactly once.
	TransitionIf(ctx context.Context, id int64, expectedCurrent, next models.RunStatus) error

	// CreateContinuation inserts a new run with ContinuationOfRunID set to
	// parentID, enforcing the unique constraint. If a continuation already
	// exists it is returned alongside ErrDuplicateContinuation so the
	// caller can reuse it idempotently.
	CreateContinuation(ctx context.Context, parentID int64, run *models.Run) (*models.Run, error)
}

// MemoryStore is an in-process Store backed by a map, used in tests and for
// single-process deployments without Postgres configured.
type MemoryStore struct {
	mu           sync.Mutex
	runs         map[int64]*models.Run
	nextID       int64
	continuation map[int64]int64 // parentID -> continuation run id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[int64]*models.Run),
		continuation: make(map[int64]int64),
	}
}

func (s *MemoryStore) Create(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run.ID = s.nextID
	if run.RootRunID == 0 {
		run.RootRunID = run.ID
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id int64, next models.RunStatus, fn func(*models.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !run.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	if fn != nil {
		if err := fn(run); err != nil {
			return err
		}
	}
	run.Status = next
	if next.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	}
	return nil
}

func (s *MemoryStore) TransitionIf(ctx context.Context, id int64, expectedCurrent, next models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status != expectedCurrent {
		return ErrNotWaiting
	}
	if !run.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	run.Status = next
	if next.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	}
	return nil
}

func (s *MemoryStore) CreateContinuation(ctx context.Context, parentID int64, run *models.Run) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.continuation[parentID]; ok {
		existing := s.runs[existingID]
		return cloneRun(existing), ErrDuplicateContinuation
	}

	parent, ok := s.runs[parentID]
	if !ok {
		return nil, ErrNotFound
	}

	s.nextID++
	run.ID = s.nextID
	run.ContinuationOfRunID = &parentID
	run.RootRunID = parent.RootRunID
	if run.RootRunID == 0 {
		run.RootRunID = parentID
	}
	run.Trigger = models.RunTriggerContinuation
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	s.runs[run.ID] = cloneRun(run)
	s.continuation[parentID] = run.ID
	return cloneRun(run), nil
}

func cloneRun(run *models.Run) *models.Run {
	if run == nil {
		return nil
	}
	clone := *run
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		clone.FinishedAt = &t
	}
	if run.ContinuationOfRunID != nil {
		v := *run.ContinuationOfRunID
		clone.ContinuationOfRunID = &v
	}
	return &clone
}
