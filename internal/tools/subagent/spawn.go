// Package subagent provides the LLM-facing tools around the worker
// hierarchy: spawn_worker (advertised to the model but intercepted by the
// ReAct engine before it reaches this package, see internal/agent/spawn.go)
// plus operational visibility and cancellation for jobs already created.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/internal/toolkit"
	"github.com/relayforge/orchestrator/pkg/models"
)

var spawnSchema = toolkit.GenerateSchema(agent.SpawnArgs{})

// WorkerTool advertises spawn_worker's contract to the LLM. Its Execute is
// never actually reached in normal operation: agent.SplitSpawnCalls pulls
// every spawn_worker call out of a turn before the registry gets a chance
// to dispatch it, so the call can be committed as a Worker Job instead of
// executed inline (the two-phase commit spec.md §4.4 describes). Execute
// exists only to satisfy the Tool interface and to fail loudly if that
// invariant is ever violated.
type WorkerTool struct{}

// NewWorkerTool returns the spawn_worker tool definition.
func NewWorkerTool() *WorkerTool { return &WorkerTool{} }

func (t *WorkerTool) Name() string { return agent.SpawnToolName }

func (t *WorkerTool) Description() string {
	return "Spawn a worker agent to complete a task asynchronously. The worker runs independently and its result is returned to you once it finishes; you do not see intermediate steps."
}

func (t *WorkerTool) Schema() json.RawMessage { return spawnSchema }

func (t *WorkerTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return nil, fmt.Errorf("spawn_worker must be routed through agent.ExecuteTurn's spawn-commit path, not executed directly")
}

// StatusTool reports on Worker Jobs already created by spawn_worker calls,
// backed by the same jobs.Store the supervisor and reaper use.
type StatusTool struct {
	jobs jobs.Store
}

// NewStatusTool creates a worker status tool over store.
func NewStatusTool(store jobs.Store) *StatusTool {
	return &StatusTool{jobs: store}
}

func (t *StatusTool) Name() string { return "worker_status" }

func (t *StatusTool) Description() string {
	return "Check the status of a worker job by id, or list your recently completed workers."
}

func (t *StatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"job_id": {
				"type": "string",
				"description": "Worker job id to check (optional, omit to list recent workers)"
			}
		}
	}`)
}

type statusInput struct {
	JobID string `json:"job_id"`
}

func (t *StatusTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input statusInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
		}
	}

	if input.JobID != "" {
		job, err := t.jobs.Get(ctx, input.JobID)
		if err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("worker job not found: %s", input.JobID), IsError: true}, nil
		}
		return &agent.ToolResult{Content: formatJob(job)}, nil
	}

	owner := ownerFromContext(ctx)
	if owner == "" {
		return &agent.ToolResult{Content: "no owner in context; pass job_id explicitly", IsError: true}, nil
	}
	recent, err := t.jobs.ListRecentByOwner(ctx, owner, time.Now().Add(-24*time.Hour), 10)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("list recent workers: %v", err), IsError: true}, nil
	}
	if len(recent) == 0 {
		return &agent.ToolResult{Content: "No recent workers."}, nil
	}

	var b strings.Builder
	for _, job := range recent {
		b.WriteString(formatJob(job))
		b.WriteString("\n")
	}
	return &agent.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func formatJob(job *models.WorkerJob) string {
	line := fmt.Sprintf("%s (%s): %s", job.ID, job.Status, truncate(job.Task, 80))
	if job.StartedAt != nil && job.FinishedAt != nil {
		line += fmt.Sprintf("\nRuntime: %s", FormatDurationShort(int(job.FinishedAt.Sub(*job.StartedAt).Seconds())))
	}
	switch job.Status {
	case models.WorkerJobSuccess:
		line += fmt.Sprintf("\nResult: %s", job.Result)
	case models.WorkerJobFailed, models.WorkerJobTimeout:
		line += fmt.Sprintf("\nError: %s", job.Error)
	}
	return line
}

// CancelTool cancels a non-terminal worker job.
type CancelTool struct {
	jobs jobs.Store
}

// NewCancelTool creates a worker cancel tool over store.
func NewCancelTool(store jobs.Store) *CancelTool {
	return &CancelTool{jobs: store}
}

func (t *CancelTool) Name() string { return "worker_cancel" }

func (t *CancelTool) Description() string {
	return "Cancel a running or queued worker job."
}

func (t *CancelTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"job_id": {"type": "string", "description": "Worker job id to cancel"}
		},
		"required": ["job_id"]
	}`)
}

type cancelInput struct {
	JobID string `json:"job_id"`
}

func (t *CancelTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input cancelInput
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	if input.JobID == "" {
		return &agent.ToolResult{Content: "job_id is required", IsError: true}, nil
	}
	if err := t.jobs.Cancel(ctx, input.JobID); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("cancel worker %s: %v", input.JobID, err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Worker %s cancelled.", input.JobID)}, nil
}

func ownerFromContext(ctx context.Context) string {
	if session := agent.SessionFromContext(ctx); session != nil {
		return session.AgentID
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
