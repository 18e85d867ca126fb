// Package workerrunner drives one Worker Job's independent ReAct loop:
// claim the job, run it to completion against an LLM provider and tool
// registry, persist its trace as an Artifact Bundle, and report a
// terminal status back to the Worker Job store. It is the disposable
// half of the two-tier hierarchy — the long-lived half is
// internal/supervisor.
package workerrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/artifacts"
	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/events"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/pkg/models"
)

// ResumeTrigger is the supervisor-side hook a completed worker's barrier
// claim invokes. Kept as an interface here (rather than importing
// internal/supervisor) so workerrunner has no dependency on the package
// that depends on it.
type ResumeTrigger interface {
	Resume(ctx context.Context, runID int64, results []models.WorkerResult)
}

// MaxIterations bounds a single worker's ReAct loop independent of the
// roundabout monitor's hard timeout, so a worker that never calls a
// terminal tool cannot spin forever burning LLM calls.
const MaxIterations = 50

// HeartbeatInterval is how often a running worker emits an
// EventWorkerHeartbeat, the signal the roundabout monitor's no-progress
// counter resets on.
const HeartbeatInterval = 10 * time.Second

// Runner executes Worker Jobs claimed from a Store.
type Runner struct {
	jobs          jobs.Store
	provider      agent.LLMProvider
	registry      *agent.ToolRegistry
	bundleRoot    string
	emitter       *events.Emitter
	toolExecCfg   agent.ToolExecConfig
	logger        *slog.Logger
	barrier       barrier.Store
	resumeTrigger ResumeTrigger
}

// NewRunner wires the dependencies one worker execution needs.
func NewRunner(jobStore jobs.Store, provider agent.LLMProvider, registry *agent.ToolRegistry, bundleRoot string, emitter *events.Emitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:        jobStore,
		provider:    provider,
		registry:    registry,
		bundleRoot:  bundleRoot,
		emitter:     emitter,
		toolExecCfg: agent.DefaultToolExecConfig(),
		logger:      logger,
	}
}

// WithBarrier wires the Worker Barrier completion side: once a job reaches
// a terminal status, the runner records that completion against its
// barrier and, for the one caller whose completion closes the barrier,
// hands the gathered results to trigger.
func (r *Runner) WithBarrier(store barrier.Store, trigger ResumeTrigger) *Runner {
	r.barrier = store
	r.resumeTrigger = trigger
	return r
}

// RunOne claims the next queued job and runs it to a terminal status. It
// returns (false, nil) when there was no queued work.
func (r *Runner) RunOne(ctx context.Context) (ran bool, err error) {
	job, err := r.jobs.ClaimNextQueued(ctx)
	if err != nil {
		return false, fmt.Errorf("claim queued job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	r.Run(ctx, job)
	return true, nil
}

// Run executes a single claimed job end to end. Errors from the provider
// or tool registry are captured as the job's terminal failure, not
// returned to the caller — a worker's own errors must never take down
// the runner loop.
func (r *Runner) Run(ctx context.Context, job *models.WorkerJob) {
	workerID := job.ID
	job.WorkerID = workerID
	now := time.Now()
	job.StartedAt = &now

	bundle, err := artifacts.OpenBundle(r.bundleRoot, job.Owner, workerID)
	if err != nil {
		r.fail(ctx, job, fmt.Sprintf("open artifact bundle: %v", err))
		return
	}
	if err := bundle.WriteConfig(job.Task, job.Config, job.Model, job.ReasoningEffort); err != nil {
		r.logger.Warn("write bundle config failed", "job_id", job.ID, "error", err)
	}
	if err := bundle.WriteStatus("running", *job.StartedAt, nil, ""); err != nil {
		r.logger.Warn("write bundle status failed", "job_id", job.ID, "error", err)
	}

	r.emit(ctx, job, models.EventWorkerStarted, nil)

	result, execErr := r.runLoop(ctx, job, bundle)
	finishedAt := time.Now()

	if execErr == nil && r.emitter != nil {
		if msg, flagged := r.emitter.CriticalError(job.SupervisorRunID); flagged {
			execErr = fmt.Errorf("critical tool error: %s", msg)
		}
	}

	if execErr != nil {
		job.Error = execErr.Error()
		_ = bundle.WriteStatus("failed", *job.StartedAt, &finishedAt, job.Error)
		_ = bundle.WriteResult(artifacts.NoResultPlaceholder)
		r.terminal(ctx, job, models.WorkerJobFailed, "", job.Error)
		return
	}

	job.Result = result
	_ = bundle.WriteStatus("success", *job.StartedAt, &finishedAt, "")
	if result == "" {
		result = artifacts.NoResultPlaceholder
	}
	_ = bundle.WriteResult(result)
	r.terminal(ctx, job, models.WorkerJobSuccess, result, "")
}

// runLoop drives the worker's own ReAct loop: LLM completion, tool
// dispatch, tool results fed back, until a terminal assistant message
// with no further tool calls or MaxIterations is reached. A worker never
// spawns further workers of its own — spawn_worker is a supervisor-only
// tool, so every tool call here executes inline.
func (r *Runner) runLoop(ctx context.Context, job *models.WorkerJob, bundle *artifacts.Bundle) (string, error) {
	executor := agent.NewToolExecutor(r.registry, r.toolExecCfg)

	messages := []agent.CompletionMessage{{Role: "user", Content: job.Task}}
	_ = bundle.AppendMessage(models.ThreadMessage{Role: models.RoleUser, Content: job.Task, SentAt: time.Now()})

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for iteration := 0; iteration < MaxIterations; iteration++ {
		select {
		case <-heartbeat.C:
			r.emit(ctx, job, models.EventWorkerHeartbeat, map[string]any{"iteration": iteration})
		default:
		}

		text, toolCalls, err := r.completeWithEmptyRetry(ctx, job, messages)
		if err != nil {
			return "", err
		}

		_ = bundle.AppendMessage(models.ThreadMessage{Role: models.RoleAssistant, Content: text, SentAt: time.Now()})
		messages = append(messages, agent.CompletionMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			return text, nil
		}

		results := executor.ExecuteConcurrently(ctx, toolCalls, func(ev *models.RuntimeEvent) {
			if ev == nil {
				return
			}
			r.emit(ctx, job, models.EventWorkerToolStarted, map[string]any{"tool": ev.ToolName})
		})

		toolResults := make([]models.ToolResult, 0, len(results))
		for _, res := range results {
			seq, path, werr := bundle.WriteToolCall(res.ToolCall.Name, []byte(res.Result.Content))
			if werr != nil {
				r.logger.Warn("write tool call artifact failed", "job_id", job.ID, "tool", res.ToolCall.Name, "error", werr)
			}
			eventType := models.EventWorkerToolCompleted
			if res.Result.IsError {
				eventType = models.EventWorkerToolFailed
				if r.emitter != nil && events.IsCriticalToolError(res.ToolCall.Name, res.Result.Content) {
					r.emitter.MarkCriticalError(ctx, job.SupervisorRunID, job.Owner, res.Result.Content)
				}
			}
			r.emit(ctx, job, eventType, map[string]any{"tool": res.ToolCall.Name, "sequence": seq, "path": path})
			toolResults = append(toolResults, res.Result)
		}
		messages = append(messages, agent.CompletionMessage{Role: "tool", ToolResults: toolResults})
	}

	return "", fmt.Errorf("worker exceeded %d iterations without reaching a terminal response", MaxIterations)
}

// workerEmptyResponseCorrection is the one-shot nudge appended when a
// worker turn returns neither text nor a tool call.
const workerEmptyResponseCorrection = "Your previous response contained no text and no tool call. Call one of the available tools to make progress."

// workerSyntheticEmptyResponseError is the terminal text recorded when
// even the forced-tool-choice retry comes back empty.
const workerSyntheticEmptyResponseError = "<error>model returned no text and no tool call after a forced retry</error>"

// completeWithEmptyRetry mirrors the supervisor ReAct loop's empty-response
// guard: a turn that comes back with no text and no tool calls gets one
// retry with tool_choice=required before the worker gives up on it.
func (r *Runner) completeWithEmptyRetry(ctx context.Context, job *models.WorkerJob, messages []agent.CompletionMessage) (string, []models.ToolCall, error) {
	text, toolCalls, err := r.completeOnce(ctx, job, messages, "")
	if err != nil {
		return "", nil, err
	}
	if text != "" || len(toolCalls) > 0 {
		return text, toolCalls, nil
	}

	retryMessages := append(append([]agent.CompletionMessage{}, messages...), agent.CompletionMessage{
		Role: "system", Content: workerEmptyResponseCorrection,
	})
	text, toolCalls, err = r.completeOnce(ctx, job, retryMessages, agent.ToolChoiceRequired)
	if err != nil {
		return "", nil, err
	}
	if text != "" || len(toolCalls) > 0 {
		return text, toolCalls, nil
	}

	return workerSyntheticEmptyResponseError, nil, nil
}

func (r *Runner) completeOnce(ctx context.Context, job *models.WorkerJob, messages []agent.CompletionMessage, toolChoice string) (string, []models.ToolCall, error) {
	chunks, err := r.provider.Complete(ctx, &agent.CompletionRequest{Model: job.Model, Messages: messages, ToolChoice: toolChoice})
	if err != nil {
		return "", nil, fmt.Errorf("llm completion: %w", err)
	}

	var text string
	var toolCalls []models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, fmt.Errorf("llm stream: %w", chunk.Error)
		}
		if chunk.Text != "" {
			text += chunk.Text
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}
	return text, toolCalls, nil
}

func (r *Runner) terminal(ctx context.Context, job *models.WorkerJob, status models.WorkerJobStatus, result, errStr string) {
	ok, err := r.jobs.UpdateTerminal(ctx, job.ID, status, result, errStr)
	if err != nil {
		r.logger.Error("update terminal job status failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Already terminal (e.g. externally cancelled); cancellation idempotence means this is not an error.
		return
	}
	r.emit(ctx, job, models.EventWorkerComplete, map[string]any{"status": string(status)})
	r.completeBarrier(job, status, result, errStr)
}

// completeBarrier records this job's outcome against its run's Worker
// Barrier. It opens its own background context rather than reusing ctx —
// the barrier completion and any resume it triggers must outlive this
// worker's own (possibly already-cancelled) run context, matching the
// "schedule with an empty context" discipline spec.md asks for so a
// worker's context never leaks into the supervisor's subsequent turn.
func (r *Runner) completeBarrier(job *models.WorkerJob, status models.WorkerJobStatus, result, errStr string) {
	if r.barrier == nil {
		return
	}
	barrierStatus := models.BarrierJobCompleted
	if status != models.WorkerJobSuccess {
		barrierStatus = models.BarrierJobFailed
	}

	ctx := context.Background()
	claimed, results, err := r.barrier.Complete(ctx, job.SupervisorRunID, job.ID, barrierStatus, result, errStr)
	if err != nil {
		if err == barrier.ErrNotFound {
			// Legacy single-spawn path: no barrier was ever opened for this run.
			return
		}
		r.logger.Error("barrier completion failed", "job_id", job.ID, "run_id", job.SupervisorRunID, "error", err)
		return
	}
	if !claimed || r.resumeTrigger == nil {
		return
	}
	go r.resumeTrigger.Resume(context.Background(), job.SupervisorRunID, results)
}

func (r *Runner) fail(ctx context.Context, job *models.WorkerJob, reason string) {
	r.terminal(ctx, job, models.WorkerJobFailed, "", reason)
}

func (r *Runner) emit(ctx context.Context, job *models.WorkerJob, eventType models.EventType, extra map[string]any) {
	if r.emitter == nil {
		return
	}
	if _, err := r.emitter.Emit(ctx, job.SupervisorRunID, eventType, models.EventPayload{
		OwnerID: job.Owner, WorkerID: job.WorkerID, JobID: job.ID, Extra: extra,
	}); err != nil {
		r.logger.Warn("emit worker event failed", "job_id", job.ID, "event", eventType, "error", err)
	}
}
