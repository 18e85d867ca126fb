package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/events"
	"github.com/relayforge/orchestrator/internal/roundabout"
	"github.com/relayforge/orchestrator/pkg/models"
)

// maxHistoryMessages bounds how much thread history is replayed into the
// LLM request each turn, matching the context-window discipline the ReAct
// engine applies elsewhere.
const maxHistoryMessages = 200

// runTurn replays the supervisor thread's history into the LLM, executes
// whatever the assistant asks for, and loops until the assistant produces
// a terminal text response or a spawn_worker call forces an Interrupt.
func (s *Service) runTurn(ctx context.Context, run *models.Run) (string, *agent.Interrupt, error) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for iteration := 0; iteration < s.cfg.MaxReactIterations; iteration++ {
		select {
		case <-heartbeat.C:
			s.emit(ctx, run.ID, models.EventSupervisorThinking, run.Owner, "", map[string]any{"iteration": iteration})
		default:
		}

		messages, err := s.loadHistory(ctx, run.ThreadID)
		if err != nil {
			return "", nil, fmt.Errorf("load thread history: %w", err)
		}

		text, toolCalls, err := s.completeWithEmptyRetry(ctx, run, messages)
		if err != nil {
			return "", nil, err
		}

		assistantMsg := &models.ThreadMessage{Role: models.RoleAssistant, Content: text, ToolCalls: toThreadToolCalls(toolCalls)}
		if err := s.threads.Append(ctx, run.ThreadID, assistantMsg); err != nil {
			return "", nil, fmt.Errorf("append assistant message: %w", err)
		}

		if len(toolCalls) == 0 {
			return text, nil, nil
		}

		results, interrupt, err := agent.ExecuteTurn(ctx, s.executor, s.jobs, run.ID, run.Owner, run.TraceID, toolCalls, nil)
		if err != nil {
			return "", nil, fmt.Errorf("execute turn: %w", err)
		}
		for _, res := range results {
			if err := s.threads.AppendToolReply(ctx, run.ThreadID, res.Result.ToolCallID, res.ToolCall.Name, res.Result.Content); err != nil {
				return "", nil, fmt.Errorf("append tool reply: %w", err)
			}
			if res.Result.IsError && events.IsCriticalToolError(res.ToolCall.Name, res.Result.Content) {
				if marker, ok := s.emitter.(criticalErrorMarker); ok {
					marker.MarkCriticalError(ctx, run.ID, run.Owner, res.Result.Content)
				}
			}
		}
		if interrupt != nil {
			return "", interrupt, nil
		}
	}

	return "", nil, fmt.Errorf("exceeded %d react iterations without a terminal response", s.cfg.MaxReactIterations)
}

// emptyResponseCorrection is appended as a one-shot system message when
// the model returns neither text nor a tool call, nudging the retry
// toward actually picking a tool.
const emptyResponseCorrection = "Your previous response contained no text and no tool call. Call one of the available tools to make progress."

// syntheticEmptyResponseError is the terminal assistant message recorded
// when even the forced-tool-choice retry comes back empty.
const syntheticEmptyResponseError = "<error>model returned no text and no tool call after a forced retry</error>"

// completeWithEmptyRetry calls the provider once, and if the result is
// completely empty (no text, no tool calls) retries a single time with
// tool_choice=required after appending a corrective system message. If
// the retry is also empty, it synthesizes a terminal error response
// rather than looping forever on a vacuous turn.
func (s *Service) completeWithEmptyRetry(ctx context.Context, run *models.Run, messages []agent.CompletionMessage) (string, []models.ToolCall, error) {
	text, toolCalls, err := s.completeOnce(ctx, run, messages, "")
	if err != nil {
		return "", nil, err
	}
	if text != "" || len(toolCalls) > 0 {
		return text, toolCalls, nil
	}

	if err := s.threads.Append(ctx, run.ThreadID, &models.ThreadMessage{
		Role: models.RoleSystem, Content: emptyResponseCorrection, Internal: true,
	}); err != nil {
		return "", nil, fmt.Errorf("append empty-response correction: %w", err)
	}
	retryMessages := append(append([]agent.CompletionMessage{}, messages...), agent.CompletionMessage{
		Role: string(models.RoleSystem), Content: emptyResponseCorrection,
	})

	text, toolCalls, err = s.completeOnce(ctx, run, retryMessages, agent.ToolChoiceRequired)
	if err != nil {
		return "", nil, err
	}
	if text != "" || len(toolCalls) > 0 {
		return text, toolCalls, nil
	}

	return syntheticEmptyResponseError, nil, nil
}

// completeOnce issues a single LLM completion and collects its streamed
// chunks into a text response and any requested tool calls.
func (s *Service) completeOnce(ctx context.Context, run *models.Run, messages []agent.CompletionMessage, toolChoice string) (string, []models.ToolCall, error) {
	req := &agent.CompletionRequest{Model: run.Model, Messages: messages, Tools: s.registry.AsLLMTools(), ToolChoice: toolChoice}
	chunks, err := s.provider.Complete(ctx, req)
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

// loadHistory replays the thread's persisted messages into the shape the
// LLM provider expects, folding per-tool-call replies back under the
// assistant message that issued them isn't necessary here: providers take
// a flat chronological list and match tool replies by ToolCallID.
func (s *Service) loadHistory(ctx context.Context, threadID string) ([]agent.CompletionMessage, error) {
	msgs, err := s.threads.List(ctx, threadID, maxHistoryMessages)
	if err != nil {
		return nil, err
	}

	out := make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			out = append(out, agent.CompletionMessage{
				Role:        string(models.RoleTool),
				ToolResults: []models.ToolResult{{ToolCallID: m.ToolCallID, Content: m.Content}},
			})
		default:
			out = append(out, agent.CompletionMessage{
				Role:      string(m.Role),
				Content:   m.Content,
				ToolCalls: fromThreadToolCalls(m.ToolCalls),
			})
		}
	}
	return out, nil
}

func toThreadToolCalls(calls []models.ToolCall) []models.ThreadToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ThreadToolCall, len(calls))
	for i, c := range calls {
		out[i] = models.ThreadToolCall{ID: c.ID, Name: c.Name, Args: string(c.Input)}
	}
	return out
}

func fromThreadToolCalls(calls []models.ThreadToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = models.ToolCall{ID: c.ID, Name: c.Name, Input: []byte(c.Args)}
	}
	return out
}

// Resume implements workerrunner.ResumeTrigger: it is invoked by the one
// worker whose completion closes its run's Worker Barrier, handing back
// every sibling's result so the supervisor can fold them into its thread
// and continue the turn that spawned them.
func (s *Service) Resume(ctx context.Context, runID int64, results []models.WorkerResult) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		s.logger.Error("resume: load run failed", "run_id", runID, "error", err)
		return
	}

	if err := s.runs.TransitionIf(ctx, runID, models.RunStatusWaiting, models.RunStatusRunning); err != nil {
		s.logger.Error("resume: claim waiting run failed", "run_id", runID, "error", err)
		return
	}
	s.emit(ctx, runID, models.EventSupervisorResumed, run.Owner, "", map[string]any{"worker_count": len(results)})

	for _, res := range results {
		status, body := "completed", res.Result
		if !res.Success {
			status, body = "failed", res.Error
		}
		content := fmt.Sprintf("Worker %s:\n\n%s\n\n%s", status, body, roundabout.EvidenceMarker(runID, res.JobID, res.JobID))
		if err := s.threads.AppendToolReply(ctx, run.ThreadID, res.ToolCallID, agent.SpawnToolName, content); err != nil {
			s.logger.Error("resume: append worker reply failed", "run_id", runID, "job_id", res.JobID, "error", err)
			return
		}
	}

	s.advance(ctx, run)
}

// injectRecentWorkers appends a pruneable system notice summarizing the
// owner's recently completed workers, giving the supervisor context about
// sibling work without replaying full worker transcripts into its thread.
func (s *Service) injectRecentWorkers(ctx context.Context, threadID, owner string) error {
	since := time.Now().Add(-s.cfg.RecentWorkerWindow)
	recent, err := s.jobs.ListRecentByOwner(ctx, owner, since, s.cfg.RecentWorkerMaxEntries)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(recentWorkersMarker + " recently completed workers:\n")
	for _, job := range recent {
		fmt.Fprintf(&b, "- %s (%s): %s\n", job.ID, job.Status, taskSummary(job.Task))
	}

	return s.threads.Append(ctx, threadID, &models.ThreadMessage{
		Role:     models.RoleSystem,
		Content:  b.String(),
		Internal: true,
	})
}

func taskSummary(task string) string {
	const max = 80
	if len(task) <= max {
		return task
	}
	return task[:max] + "..."
}
