package models

import "time"

// WorkerJobStatus tracks a worker job through its two-phase-commit lifecycle.
type WorkerJobStatus string

const (
	// WorkerJobCreated is the two-phase-commit holding state: the row
	// exists so the engine can produce a stable interrupt value, but the
	// job must never be picked up for execution while in this state.
	WorkerJobCreated   WorkerJobStatus = "created"
	WorkerJobQueued    WorkerJobStatus = "queued"
	WorkerJobRunning   WorkerJobStatus = "running"
	WorkerJobSuccess   WorkerJobStatus = "success"
	WorkerJobFailed    WorkerJobStatus = "failed"
	WorkerJobCancelled WorkerJobStatus = "cancelled"
	WorkerJobTimeout   WorkerJobStatus = "timeout"
)

// Terminal reports whether the job status admits no further transitions.
func (s WorkerJobStatus) Terminal() bool {
	switch s {
	case WorkerJobSuccess, WorkerJobFailed, WorkerJobCancelled, WorkerJobTimeout:
		return true
	default:
		return false
	}
}

// WorkerConfig carries workspace and resume hints passed to a spawned
// worker.
type WorkerConfig struct {
	GitRepo         string `json:"git_repo,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// WorkerJob is the durable record of one spawn_worker call.
type WorkerJob struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`

	// SupervisorRunID and ToolCallID together are the two-phase-commit
	// dedup key: (supervisor_run_id, tool_call_id) is unique.
	SupervisorRunID int64  `json:"supervisor_run_id"`
	ToolCallID      string `json:"tool_call_id"`

	TraceID         string          `json:"trace_id"`
	Task            string          `json:"task"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Status          WorkerJobStatus `json:"status"`
	Config          WorkerConfig    `json:"config"`

	// WorkerID identifies the artifact bundle produced by this job, once
	// one exists.
	WorkerID string `json:"worker_id,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BarrierStatus tracks a Worker Barrier through its lifecycle.
type BarrierStatus string

const (
	BarrierWaiting   BarrierStatus = "waiting"
	BarrierResuming  BarrierStatus = "resuming"
	BarrierCompleted BarrierStatus = "completed"
	BarrierFailed    BarrierStatus = "failed"
)

// WorkerBarrier is the per-run coordination record gating supervisor resume
// until every in-flight worker for a run has terminated.
type WorkerBarrier struct {
	ID             string        `json:"id"`
	RunID          int64         `json:"run_id"`
	ExpectedCount  int           `json:"expected_count"`
	CompletedCount int           `json:"completed_count"`
	Status         BarrierStatus `json:"status"`
	DeadlineAt     time.Time     `json:"deadline_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// BarrierJobStatus tracks one child of a Worker Barrier.
type BarrierJobStatus string

const (
	BarrierJobCreated   BarrierJobStatus = "created"
	BarrierJobQueued    BarrierJobStatus = "queued"
	BarrierJobCompleted BarrierJobStatus = "completed"
	BarrierJobFailed    BarrierJobStatus = "failed"
	BarrierJobTimeout   BarrierJobStatus = "timeout"
)

// Terminal reports whether the barrier job status admits no further
// transitions.
func (s BarrierJobStatus) Terminal() bool {
	switch s {
	case BarrierJobCompleted, BarrierJobFailed, BarrierJobTimeout:
		return true
	default:
		return false
	}
}

// BarrierJob is one child row of a WorkerBarrier, one per spawned worker.
type BarrierJob struct {
	BarrierID  string           `json:"barrier_id"`
	JobID      string           `json:"job_id"`
	ToolCallID string           `json:"tool_call_id"`
	Status     BarrierJobStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// WorkerResult is the outcome handed to batch resume for one terminated
// worker.
type WorkerResult struct {
	JobID      string
	ToolCallID string
	Success    bool
	Result     string
	Error      string
	TimedOut   bool
}
