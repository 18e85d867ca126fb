package models

import "time"

// RunStatus represents the lifecycle state of a supervisor or worker run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusDeferred  RunStatus = "deferred"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// runTransitions enumerates the allowed status transitions. It is the single
// source of truth for Run.CanTransitionTo.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusRunning: {
		RunStatusSuccess:   true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
		RunStatusWaiting:   true,
		RunStatusDeferred:  true,
	},
	RunStatusWaiting: {
		RunStatusRunning:   true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
	},
	RunStatusDeferred: {
		RunStatusRunning:   true,
		RunStatusSuccess:   true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
		RunStatusWaiting:   true,
	},
}

// CanTransitionTo reports whether moving from s to next is a legal run
// status transition.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	allowed, ok := runTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// RunTrigger identifies how a run was started.
type RunTrigger string

const (
	RunTriggerUser         RunTrigger = "user"
	RunTriggerContinuation RunTrigger = "continuation"
	RunTriggerReaper       RunTrigger = "reaper"
)

// Run is one stateful execution of an agent (supervisor or worker) against a
// thread.
type Run struct {
	ID        int64      `json:"id"`
	Owner     string     `json:"owner"`
	ThreadID  string     `json:"thread_id"`
	Status    RunStatus  `json:"status"`
	Trigger   RunTrigger `json:"trigger"`
	StartedAt time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	TraceID         string `json:"trace_id"`
	TotalTokens     int64  `json:"total_tokens"`

	// AssistantMessageID is stable across every assistant event this run
	// emits, so the UI can group streamed tokens under one bubble.
	AssistantMessageID string `json:"assistant_message_id"`

	// ContinuationOfRunID references the run this one resumes after a
	// deferral. A unique constraint on this column enforces at-most-one
	// continuation per parent.
	ContinuationOfRunID *int64 `json:"continuation_of_run_id,omitempty"`

	// RootRunID identifies the original run at the head of a continuation
	// chain. A run with no continuation ancestor is its own root.
	RootRunID int64 `json:"root_run_id"`

	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IsRoot reports whether this run is the head of its continuation chain.
func (r *Run) IsRoot() bool {
	return r.RootRunID == 0 || r.RootRunID == r.ID
}
