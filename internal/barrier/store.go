// Package barrier implements the Worker Barrier: the per-run coordination
// record that gates supervisor resume until every worker spawned in one
// assistant turn has terminated. Its core correctness property is that the
// "all children terminal" transition fires exactly once per barrier
// instance, even under concurrent worker completions.
package barrier

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

// ChildSpec identifies one worker job to be gated by a barrier.
type ChildSpec struct {
	JobID      string
	ToolCallID string
}

// JobFlipper is the narrow view of the Worker Job store the barrier needs:
// the single point where created rows become queued (and therefore
// executable). Kept as an interface so internal/jobs has no dependency on
// this package.
type JobFlipper interface {
	FlipCreatedToQueued(ctx context.Context, jobIDs []string) error
}

// Store persists WorkerBarrier and BarrierJob rows and implements the
// two-phase commit discipline and the atomic last-completion claim.
type Store interface {
	// Open is phase 2 of the two-phase commit for a batch of spawn calls
	// in one assistant turn. It creates (or, if a barrier already exists
	// for runID, resets) the barrier row with expected_count =
	// len(children), creates one BarrierJob per child, flips the
	// corresponding WorkerJob rows from created to queued via flipper,
	// and returns the open barrier. This must happen atomically: only
	// after it returns can any spawned worker be picked up for execution.
	Open(ctx context.Context, flipper JobFlipper, runID int64, deadline time.Time, children []ChildSpec) (*models.WorkerBarrier, error)

	// Complete records the terminal outcome of one child. It returns
	// claimed=true exactly once per barrier instance: for the caller whose
	// completion brings completed_count to expected_count. That caller
	// receives every child's WorkerResult and is responsible for
	// triggering batch resume. All other callers (including ones racing
	// against the claimer) get claimed=false.
	Complete(ctx context.Context, runID int64, jobID string, status models.BarrierJobStatus, result, errStr string) (claimed bool, results []models.WorkerResult, err error)

	// Get returns the current barrier for a run.
	Get(ctx context.Context, runID int64) (*models.WorkerBarrier, error)

	// ListExpired returns waiting barriers whose deadline has passed, for
	// the reaper.
	ListExpired(ctx context.Context, now time.Time) ([]*models.WorkerBarrier, error)

	// TimeoutRemaining marks every non-terminal child of runID's barrier as
	// timeout, claims the barrier as resuming, and returns the full set of
	// WorkerResults (terminal children keep their real outcome; newly
	// timed-out children report TimedOut=true). Used by the reaper when a
	// barrier's deadline has passed with workers still outstanding.
	TimeoutRemaining(ctx context.Context, runID int64) ([]models.WorkerResult, error)
}

type barrierState struct {
	barrier  *models.WorkerBarrier
	children map[string]*models.BarrierJob // keyed by job id
}

// MemoryStore is an in-process Store guarded by a single mutex. The mutex
// scope (the whole Complete call) is what gives the "exactly one claim"
// guarantee; a Postgres-backed Store achieves the same thing with
// `SELECT ... FOR UPDATE`.
type MemoryStore struct {
	mu       sync.Mutex
	byRun    map[int64]*barrierState
	nextSeq  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[int64]*barrierState)}
}

func (s *MemoryStore) Open(ctx context.Context, flipper JobFlipper, runID int64, deadline time.Time, children []ChildSpec) (*models.WorkerBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	b := &models.WorkerBarrier{
		ID:            barrierID(runID, s.nextSeq),
		RunID:         runID,
		ExpectedCount: len(children),
		Status:        models.BarrierWaiting,
		DeadlineAt:    deadline,
		CreatedAt:     time.Now(),
	}
	state := &barrierState{barrier: b, children: make(map[string]*models.BarrierJob, len(children))}
	jobIDs := make([]string, 0, len(children))
	for _, c := range children {
		state.children[c.JobID] = &models.BarrierJob{
			BarrierID:  b.ID,
			JobID:      c.JobID,
			ToolCallID: c.ToolCallID,
			Status:     models.BarrierJobCreated,
		}
		jobIDs = append(jobIDs, c.JobID)
	}

	// Replace any prior barrier for this run (re-interrupt case, see
	// spec.md §4.4 phase 2 item 1: delete child rows, reuse the row).
	s.byRun[runID] = state

	if flipper != nil {
		if err := flipper.FlipCreatedToQueued(ctx, jobIDs); err != nil {
			return nil, err
		}
	}
	for _, jid := range jobIDs {
		state.children[jid].Status = models.BarrierJobQueued
	}

	clone := *b
	return &clone, nil
}

func (s *MemoryStore) Complete(ctx context.Context, runID int64, jobID string, status models.BarrierJobStatus, result, errStr string) (bool, []models.WorkerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byRun[runID]
	if !ok {
		return false, nil, ErrNotFound
	}
	if state.barrier.Status != models.BarrierWaiting {
		return false, nil, nil
	}
	child, ok := state.children[jobID]
	if !ok {
		return false, nil, ErrJobNotFound
	}
	if child.Status.Terminal() {
		// Already recorded; no-op, not a claim.
		return false, nil, nil
	}

	child.Status = status
	child.Result = result
	child.Error = errStr
	state.barrier.CompletedCount++

	if state.barrier.CompletedCount < state.barrier.ExpectedCount {
		return false, nil, nil
	}

	state.barrier.Status = models.BarrierResuming
	return true, collectResults(state), nil
}

func (s *MemoryStore) Get(ctx context.Context, runID int64) (*models.WorkerBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *state.barrier
	return &clone, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*models.WorkerBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkerBarrier
	for _, state := range s.byRun {
		if state.barrier.Status == models.BarrierWaiting && state.barrier.DeadlineAt.Before(now) {
			clone := *state.barrier
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) TimeoutRemaining(ctx context.Context, runID int64) ([]models.WorkerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if state.barrier.Status != models.BarrierWaiting {
		return nil, nil
	}
	for _, child := range state.children {
		if !child.Status.Terminal() {
			child.Status = models.BarrierJobTimeout
			child.Error = "worker timed out before barrier deadline"
			state.barrier.CompletedCount++
		}
	}
	state.barrier.Status = models.BarrierResuming
	return collectResults(state), nil
}

func collectResults(state *barrierState) []models.WorkerResult {
	results := make([]models.WorkerResult, 0, len(state.children))
	for _, child := range state.children {
		results = append(results, models.WorkerResult{
			JobID:      child.JobID,
			ToolCallID: child.ToolCallID,
			Success:    child.Status == models.BarrierJobCompleted,
			Result:     child.Result,
			Error:      child.Error,
			TimedOut:   child.Status == models.BarrierJobTimeout,
		})
	}
	return results
}

func barrierID(runID, seq int64) string {
	return "barrier-" + strconv.FormatInt(runID, 10) + "-" + strconv.FormatInt(seq, 10)
}
