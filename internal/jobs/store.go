// Package jobs persists Worker Job rows: the durable record of one
// spawn_worker call, carrying it through the two-phase-commit states
// created -> queued -> running -> {success, failed, cancelled, timeout}.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Store persists Worker Job rows and implements the
// (supervisor_run_id, tool_call_id) dedup invariant.
type Store interface {
	// CreateOrReuse implements two-phase-commit phase 1. If a row already
	// exists for (job.SupervisorRunID, job.ToolCallID), it is returned
	// unchanged (reused, not overwritten) along with reused=true;
	// otherwise job is inserted in status created.
	CreateOrReuse(ctx context.Context, job *models.WorkerJob) (existing *models.WorkerJob, reused bool, err error)

	Get(ctx context.Context, id string) (*models.WorkerJob, error)

	GetBySpawnCall(ctx context.Context, supervisorRunID int64, toolCallID string) (*models.WorkerJob, error)

	// FlipCreatedToQueued implements barrier.JobFlipper: the single point
	// where spawned workers become eligible for execution.
	FlipCreatedToQueued(ctx context.Context, jobIDs []string) error

	// ClaimNextQueued flips one queued job to running and returns it, or
	// returns nil with no error if none are queued. Used by the Worker Job
	// Processor dispatcher.
	ClaimNextQueued(ctx context.Context) (*models.WorkerJob, error)

	// UpdateTerminal sets a job's terminal status and result/error,
	// honoring cancellation idempotence: if the row is already in a
	// terminal state (e.g. externally cancelled), the update is a no-op
	// and ok=false is returned.
	UpdateTerminal(ctx context.Context, id string, status models.WorkerJobStatus, result, errStr string) (ok bool, err error)

	// Cancel marks a non-terminal job cancelled.
	Cancel(ctx context.Context, id string) error

	// ListOrphanedCreated returns jobs stuck in created with no matching
	// barrier job, older than cutoff — the reaper's GC target.
	ListOrphanedCreated(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error)

	// ListRecentByOwner returns owner's jobs created since since, newest
	// first, capped at limit. Used by the supervisor to inject a compact
	// "recent workers" listing into its own thread.
	ListRecentByOwner(ctx context.Context, owner string, since time.Time, limit int) ([]*models.WorkerJob, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*models.WorkerJob
	bySpawn map[spawnKey]string // (run, tool_call_id) -> job id
	order   []string
}

type spawnKey struct {
	runID      int64
	toolCallID string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*models.WorkerJob),
		bySpawn: make(map[spawnKey]string),
	}
}

func (s *MemoryStore) CreateOrReuse(ctx context.Context, job *models.WorkerJob) (*models.WorkerJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := spawnKey{job.SupervisorRunID, job.ToolCallID}
	if id, ok := s.bySpawn[key]; ok {
		return cloneJob(s.byID[id]), true, nil
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = models.WorkerJobCreated
	s.byID[job.ID] = cloneJob(job)
	s.bySpawn[key] = job.ID
	s.order = append(s.order, job.ID)
	return cloneJob(job), false, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetBySpawnCall(ctx context.Context, supervisorRunID int64, toolCallID string) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySpawn[spawnKey{supervisorRunID, toolCallID}]
	if !ok {
		return nil, nil
	}
	return cloneJob(s.byID[id]), nil
}

func (s *MemoryStore) FlipCreatedToQueued(ctx context.Context, jobIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range jobIDs {
		if job, ok := s.byID[id]; ok && job.Status == models.WorkerJobCreated {
			job.Status = models.WorkerJobQueued
		}
	}
	return nil
}

func (s *MemoryStore) ClaimNextQueued(ctx context.Context) (*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		job := s.byID[id]
		if job.Status == models.WorkerJobQueued {
			job.Status = models.WorkerJobRunning
			now := time.Now()
			job.StartedAt = &now
			return cloneJob(job), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateTerminal(ctx context.Context, id string, status models.WorkerJobStatus, result, errStr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.Result = result
	job.Error = errStr
	now := time.Now()
	job.FinishedAt = &now
	return true, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil
	}
	if !job.Status.Terminal() {
		job.Status = models.WorkerJobCancelled
		now := time.Now()
		job.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListOrphanedCreated(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkerJob
	for _, job := range s.byID {
		if job.Status == models.WorkerJobCreated && job.CreatedAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecentByOwner(ctx context.Context, owner string, since time.Time, limit int) ([]*models.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.WorkerJob
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.byID[s.order[i]]
		if job.Owner != owner || job.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneJob(job *models.WorkerJob) *models.WorkerJob {
	if job == nil {
		return nil
	}
	clone := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}
