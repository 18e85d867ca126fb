package agent

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

// AsyncJobStatus tracks the lifecycle of a tool call backgrounded via
// LoopConfig.AsyncTools / RuntimeOptions.AsyncTools.
type AsyncJobStatus string

const (
	AsyncJobQueued    AsyncJobStatus = "queued"
	AsyncJobRunning   AsyncJobStatus = "running"
	AsyncJobSucceeded AsyncJobStatus = "succeeded"
	AsyncJobFailed    AsyncJobStatus = "failed"
)

// AsyncJob is one backgrounded tool call. The caller polls JobStore for its
// terminal result instead of waiting on it inline in the ReAct turn.
type AsyncJob struct {
	ID         string
	ToolName   string
	ToolCallID string
	Status     AsyncJobStatus
	Result     *models.ToolResult
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// AsyncJobStore receives lifecycle updates for backgrounded tool calls.
type AsyncJobStore interface {
	Create(ctx context.Context, job *AsyncJob) error
	Update(ctx context.Context, job *AsyncJob) error
	Get(ctx context.Context, id string) (*AsyncJob, error)
}

// MemoryAsyncJobStore is an in-process AsyncJobStore used in tests and
// single-process deployments.
type MemoryAsyncJobStore struct {
	mu   sync.Mutex
	jobs map[string]*AsyncJob
}

// NewMemoryAsyncJobStore returns an empty MemoryAsyncJobStore.
func NewMemoryAsyncJobStore() *MemoryAsyncJobStore {
	return &MemoryAsyncJobStore{jobs: make(map[string]*AsyncJob)}
}

func (s *MemoryAsyncJobStore) Create(ctx context.Context, job *AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryAsyncJobStore) Update(ctx context.Context, job *AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryAsyncJobStore) Get(ctx context.Context, id string) (*AsyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &clone, nil
}
