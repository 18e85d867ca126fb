package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/pkg/models"
)

// SpawnToolName is the fixed tool name the ReAct loop treats specially:
// a call to it never executes inline, it is split out and turned into a
// Worker Job via the two-phase-commit path below.
const SpawnToolName = "spawn_worker"

// SpawnArgs is spawn_worker's argument schema.
type SpawnArgs struct {
	Task            string `json:"task"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	GitRepo         string `json:"git_repo,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// PendingSpawn is one job created in phase 1 of a spawn commit, not yet
// flipped to queued.
type PendingSpawn struct {
	Job         *models.WorkerJob
	ToolCallID  string
	TaskPreview string
	Reused      bool
}

// Interrupt is the value a ReAct turn returns instead of a terminal
// assistant message when it must pause for external work. It replaces the
// throw-based `Interrupted` exception from the system this was distilled
// from: the parallel tool path needs to collect non-spawn results before
// surfacing it, so it has to be a value, not a control-flow exception.
type Interrupt struct {
	Kind    string // "workers_pending" is the only kind produced today
	JobIDs  []string
	Pending []PendingSpawn
	RunID   int64
	TraceID string
}

// taskPreview truncates a task description for the interrupt's summary.
func taskPreview(task string) string {
	const max = 120
	if len(task) <= max {
		return task
	}
	return task[:max] + "..."
}

// SplitSpawnCalls partitions an assistant turn's tool calls into spawn and
// non-spawn calls, preserving each group's relative order.
func SplitSpawnCalls(calls []models.ToolCall) (spawnCalls, otherCalls []models.ToolCall) {
	for _, c := range calls {
		if c.Name == SpawnToolName {
			spawnCalls = append(spawnCalls, c)
		} else {
			otherCalls = append(otherCalls, c)
		}
	}
	return spawnCalls, otherCalls
}

// CommitSpawns implements phase 1 of the spawn-worker two-phase commit:
// for each spawn_worker call, create (or, on re-delivery of the same
// assistant message, reuse) a Worker Job row in status "created". It never
// flips a job to "queued" — that happens once, inside the same transaction
// as the barrier/run-state update, by the caller holding this Interrupt.
func CommitSpawns(ctx context.Context, store jobs.Store, runID int64, ownerID, traceID string, spawnCalls []models.ToolCall) (*Interrupt, error) {
	if len(spawnCalls) == 0 {
		return nil, nil
	}

	interrupt := &Interrupt{Kind: "workers_pending", RunID: runID, TraceID: traceID}
	for _, call := range spawnCalls {
		var args SpawnArgs
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return nil, fmt.Errorf("parse spawn_worker args for tool_call %s: %w", call.ID, err)
		}

		job := &models.WorkerJob{
			ID:              jobIDFromToolCall(runID, call.ID),
			Owner:           ownerID,
			SupervisorRunID: runID,
			ToolCallID:      call.ID,
			TraceID:         traceID,
			Task:            args.Task,
			Model:           args.Model,
			ReasoningEffort: args.ReasoningEffort,
			Status:          models.WorkerJobCreated,
			Config: models.WorkerConfig{
				GitRepo:         args.GitRepo,
				ResumeSessionID: args.ResumeSessionID,
			},
		}

		created, reused, err := store.CreateOrReuse(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("commit spawn for tool_call %s: %w", call.ID, err)
		}

		interrupt.JobIDs = append(interrupt.JobIDs, created.ID)
		interrupt.Pending = append(interrupt.Pending, PendingSpawn{
			Job:         created,
			ToolCallID:  call.ID,
			TaskPreview: taskPreview(created.Task),
			Reused:      reused,
		})
	}
	return interrupt, nil
}

// jobIDFromToolCall derives a stable job id from the spawn call's dedup
// key, so a re-delivered assistant message (recursive interrupt replay)
// produces the same id CreateOrReuse will find and reuse.
func jobIDFromToolCall(runID int64, toolCallID string) string {
	return fmt.Sprintf("job-%d-%s", runID, toolCallID)
}

// ExecuteTurn runs one ReAct turn's tool calls: non-spawn calls execute
// concurrently through executor, spawn calls are committed as pending
// Worker Jobs and surfaced as an Interrupt instead of being executed
// inline. If any spawn calls are present the returned Interrupt is
// non-nil and results only cover the non-spawn calls — the caller must
// still append those tool messages before treating the run as waiting.
func ExecuteTurn(ctx context.Context, executor *ToolExecutor, store jobs.Store, runID int64, ownerID, traceID string, calls []models.ToolCall, emit EventCallback) ([]ToolExecResult, *Interrupt, error) {
	spawnCalls, otherCalls := SplitSpawnCalls(calls)

	var results []ToolExecResult
	if len(otherCalls) > 0 {
		results = executor.ExecuteConcurrently(ctx, otherCalls, emit)
	}

	interrupt, err := CommitSpawns(ctx, store, runID, ownerID, traceID, spawnCalls)
	if err != nil {
		return results, nil, err
	}
	return results, interrupt, nil
}
