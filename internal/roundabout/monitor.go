// Package roundabout implements the bounded polling monitor that watches a
// single worker job and returns a structured result without blocking or
// controlling the worker. It is deliberately single-threaded and
// cooperative: one goroutine per monitored job, ticking on its own poll
// interval.
package roundabout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/artifacts"
	"github.com/relayforge/orchestrator/pkg/models"
)

// Configuration constants, carried over verbatim from the system this was
// distilled from; the chat surface is latency-sensitive so the poll
// interval is tight relative to the hard timeout.
const (
	CheckInterval          = 1 * time.Second
	HardTimeout            = 300 * time.Second
	StuckThreshold         = 30 * time.Second
	ActivityLogMax         = 20
	CancelStuckThreshold   = 60 * time.Second
	NoProgressPollsWarning = 6
)

// finalAnswerPatterns are case-insensitive literals that, when seen in the
// last completed tool's output, suggest the worker has reached a final
// answer even though its job row hasn't flipped terminal yet.
var finalAnswerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Result:`),
	regexp.MustCompile(`(?i)Summary:`),
	regexp.MustCompile(`(?i)Completed successfully`),
	regexp.MustCompile(`(?i)Task complete`),
	regexp.MustCompile(`(?i)Done\.`),
}

// Decision is what the monitor does in response to one poll.
type Decision string

const (
	DecisionWait   Decision = "wait"
	DecisionExit   Decision = "exit"
	DecisionCancel Decision = "cancel"
	DecisionPeek   Decision = "peek"
)

// DecisionMode selects how Decisions are produced. The default decider
// issues only wait/exit; cancel and peek are reserved for a future LLM
// decider and the dormant hybrid mode.
type DecisionMode string

const (
	DecisionModeHeuristic DecisionMode = "heuristic"
	DecisionModeLLM       DecisionMode = "llm"
	DecisionModeHybrid    DecisionMode = "hybrid"
)

// ToolActivity records one tool call observed via the event bus.
type ToolActivity struct {
	ToolName    string
	Status      string // started, completed, failed
	Timestamp   time.Time
	DurationMs  *int64
	ArgsPreview string
	Error       string
}

// DecisionContext is the input to a Decider.
type DecisionContext struct {
	JobID                string
	WorkerID             string
	Task                 string
	Status               models.WorkerJobStatus
	Elapsed              time.Duration
	ToolActivities       []ToolActivity
	CurrentOperation     *ToolActivity
	IsStuck              bool
	StuckSeconds         float64
	PollsWithoutProgress int
	LastToolOutput       string
}

// Decider produces a Decision and a human-readable reason for it.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (Decision, string)
}

// HeuristicDecider is the default decision mode: exit on terminal status or
// a final-answer pattern match, otherwise wait. Stuck and no-progress
// conditions are logged, not acted on — the hard timeout is the safety net,
// not the heuristic.
type HeuristicDecider struct {
	onWarn func(format string, args ...any)
}

// NewHeuristicDecider returns the default decider. onWarn may be nil.
func NewHeuristicDecider(onWarn func(format string, args ...any)) *HeuristicDecider {
	if onWarn == nil {
		onWarn = func(string, ...any) {}
	}
	return &HeuristicDecider{onWarn: onWarn}
}

func (h *HeuristicDecider) Decide(ctx context.Context, dc DecisionContext) (Decision, string) {
	if dc.Status.Terminal() {
		return DecisionExit, fmt.Sprintf("worker status changed to %s", dc.Status)
	}

	if dc.LastToolOutput != "" {
		for _, pattern := range finalAnswerPatterns {
			if pattern.MatchString(dc.LastToolOutput) {
				return DecisionExit, fmt.Sprintf("final answer pattern detected: %s", pattern.String())
			}
		}
	}

	if dc.IsStuck && dc.StuckSeconds > CancelStuckThreshold.Seconds() {
		h.onWarn("job %s: operation stuck for %.0fs - continuing (hard timeout is safety net)", dc.JobID, dc.StuckSeconds)
	}
	if dc.PollsWithoutProgress >= NoProgressPollsWarning {
		h.onWarn("job %s: %d polls without progress - continuing (hard timeout is safety net)", dc.JobID, dc.PollsWithoutProgress)
	}

	return DecisionWait, "continuing to monitor"
}

// ToolIndexEntry is execution metadata for one tool call — not domain
// parsing, just exit codes, sizes, and durations extracted from the
// worker's own tool call output files.
type ToolIndexEntry struct {
	Sequence    int
	ToolName    string
	ExitCode    *int
	DurationMs  *int64
	OutputBytes int64
	Failed      bool
}

// Result is what the monitor returns when it stops watching a job.
type Result struct {
	Status             string // complete, failed, early_exit, cancelled, monitor_timeout, peek
	JobID              string
	WorkerID           string
	RunID              int64
	Duration           time.Duration
	WorkerStillRunning bool
	Result             string
	Summary            string
	Error              string
	ActivitySummary    map[string]any
	Decision           Decision
	DrillDownHint      string
	ToolIndex          []ToolIndexEntry
}

// JobReader is the minimal job-store surface the monitor polls.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.WorkerJob, error)
}

// Monitor watches one worker job by polling its job row and subscribing to
// its tool/heartbeat events, until it reaches a terminal decision or the
// hard timeout elapses.
type Monitor struct {
	jobs       JobReader
	decider    Decider
	bundleRoot string
	timeout    time.Duration
	checkCount int
	activities []ToolActivity
	lastCount  int
	noProgress int
	lastOutput string
	startTime  time.Time
}

// NewMonitor constructs a Monitor for a single job using the heuristic
// decider unless overridden.
func NewMonitor(jobStore JobReader, decider Decider, bundleRoot string, timeout time.Duration) *Monitor {
	if decider == nil {
		decider = NewHeuristicDecider(nil)
	}
	if timeout == 0 {
		timeout = HardTimeout
	}
	return &Monitor{jobs: jobStore, decider: decider, bundleRoot: bundleRoot, timeout: timeout}
}

// RecordActivity appends an observed tool event, matching it against the
// most recent "started" activity of the same tool name when it completes,
// and resets the no-progress counter.
func (m *Monitor) RecordActivity(eventType string, toolName string, argsPreview, resultPreview, errStr string, durationMs *int64) {
	now := time.Now()
	lower := strings.ToLower(eventType)

	switch {
	case strings.Contains(lower, "started"):
		m.activities = append(m.activities, ToolActivity{ToolName: toolName, Status: "started", Timestamp: now, ArgsPreview: argsPreview})
	case strings.Contains(lower, "completed"), strings.Contains(lower, "failed"):
		failed := strings.Contains(lower, "failed")
		for i := len(m.activities) - 1; i >= 0; i-- {
			if m.activities[i].ToolName == toolName && m.activities[i].Status == "started" {
				if failed {
					m.activities[i].Status = "failed"
					m.activities[i].Error = errStr
				} else {
					m.activities[i].Status = "completed"
				}
				m.activities[i].DurationMs = durationMs
				break
			}
		}
		if !failed && resultPreview != "" {
			m.lastOutput = truncate(resultPreview, 500)
		}
	case strings.Contains(lower, "heartbeat"):
		m.noProgress = 0
	}

	if len(m.activities) > ActivityLogMax*4 {
		m.activities = m.activities[len(m.activities)-ActivityLogMax*4:]
	}
}

// Watch runs the polling loop until a terminal decision or hard timeout.
func (m *Monitor) Watch(ctx context.Context, jobID string, runID int64) Result {
	m.startTime = time.Now()
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		m.checkCount++
		elapsed := time.Since(m.startTime)

		if elapsed > m.timeout {
			return m.timeoutResult(ctx, jobID, runID, elapsed)
		}

		job, err := m.jobs.Get(ctx, jobID)
		if err != nil || job == nil {
			return Result{Status: "failed", JobID: jobID, RunID: runID, Duration: elapsed, Error: "job not found", ActivitySummary: m.activitySummary()}
		}

		m.writeMonitoringSnapshot(job, elapsed)

		if job.Status.Terminal() {
			return m.completionResult(job, runID, elapsed)
		}

		dc := m.buildDecisionContext(job, elapsed)
		decision, reason := m.decider.Decide(ctx, dc)

		switch decision {
		case DecisionExit:
			return m.earlyExitResult(job, runID, elapsed, reason)
		case DecisionCancel:
			return m.cancelResult(job, runID, elapsed, reason)
		case DecisionPeek:
			return m.peekResult(job, runID, elapsed, reason)
		}

		if len(m.activities) > m.lastCount {
			m.noProgress = 0
			m.lastCount = len(m.activities)
		} else {
			m.noProgress++
		}

		select {
		case <-ctx.Done():
			return Result{Status: "cancelled", JobID: jobID, RunID: runID, Duration: time.Since(m.startTime), Error: ctx.Err().Error(), ActivitySummary: m.activitySummary()}
		case <-ticker.C:
		}
	}
}

func (m *Monitor) buildDecisionContext(job *models.WorkerJob, elapsed time.Duration) DecisionContext {
	var current *ToolActivity
	var isStuck bool
	var stuckSeconds float64
	if n := len(m.activities); n > 0 && m.activities[n-1].Status == "started" {
		op := m.activities[n-1]
		current = &op
		stuckSeconds = time.Since(op.Timestamp).Seconds()
		isStuck = stuckSeconds > StuckThreshold.Seconds()
	}

	tail := m.activities
	if len(tail) > ActivityLogMax {
		tail = tail[len(tail)-ActivityLogMax:]
	}

	return DecisionContext{
		JobID: job.ID, WorkerID: job.WorkerID, Task: job.Task, Status: job.Status,
		Elapsed: elapsed, ToolActivities: tail, CurrentOperation: current,
		IsStuck: isStuck, StuckSeconds: stuckSeconds, PollsWithoutProgress: m.noProgress,
		LastToolOutput: m.lastOutput,
	}
}

func (m *Monitor) activitySummary() map[string]any {
	completed, failed := 0, 0
	names := map[string]struct{}{}
	for _, a := range m.activities {
		switch a.Status {
		case "completed":
			completed++
		case "failed":
			failed++
		}
		names[a.ToolName] = struct{}{}
	}
	toolNames := make([]string, 0, len(names))
	for n := range names {
		toolNames = append(toolNames, n)
	}
	return map[string]any{
		"tool_calls_total":     len(m.activities),
		"tool_calls_completed": completed,
		"tool_calls_failed":    failed,
		"tools_used":           toolNames,
		"monitoring_checks":    m.checkCount,
	}
}

func (m *Monitor) completionResult(job *models.WorkerJob, runID int64, elapsed time.Duration) Result {
	status := "complete"
	var errStr string
	if job.Status != models.WorkerJobSuccess {
		status = "failed"
		errStr = job.Error
	}
	return Result{
		Status: status, JobID: job.ID, WorkerID: job.WorkerID, RunID: runID, Duration: elapsed,
		Result: job.Result, Error: errStr, ActivitySummary: m.activitySummary(),
		ToolIndex: m.buildToolIndex(job.Owner, job.WorkerID),
	}
}

func (m *Monitor) earlyExitResult(job *models.WorkerJob, runID int64, elapsed time.Duration, reason string) Result {
	summary := m.activitySummary()
	summary["exit_reason"] = reason
	return Result{
		Status: "early_exit", JobID: job.ID, WorkerID: job.WorkerID, RunID: runID, Duration: elapsed,
		WorkerStillRunning: !job.Status.Terminal(), Summary: "early exit: " + reason,
		Decision: DecisionExit, ActivitySummary: summary,
	}
}

func (m *Monitor) cancelResult(job *models.WorkerJob, runID int64, elapsed time.Duration, reason string) Result {
	summary := m.activitySummary()
	summary["polls_without_progress"] = m.noProgress
	summary["cancel_reason"] = reason
	return Result{
		Status: "cancelled", JobID: job.ID, WorkerID: job.WorkerID, RunID: runID, Duration: elapsed,
		Error: reason, Decision: DecisionCancel, ActivitySummary: summary,
	}
}

func (m *Monitor) peekResult(job *models.WorkerJob, runID int64, elapsed time.Duration, reason string) Result {
	summary := m.activitySummary()
	summary["peek_reason"] = reason
	hint := fmt.Sprintf("read job %s's messages.jsonl for full conversation, or result.txt once complete", job.ID)
	return Result{
		Status: "peek", JobID: job.ID, WorkerID: job.WorkerID, RunID: runID, Duration: elapsed,
		WorkerStillRunning: !job.Status.Terminal(), Summary: "peek requested: " + reason,
		Decision: DecisionPeek, DrillDownHint: hint, ActivitySummary: summary,
	}
}

func (m *Monitor) timeoutResult(ctx context.Context, jobID string, runID int64, elapsed time.Duration) Result {
	job, _ := m.jobs.Get(ctx, jobID)
	var workerID string
	var stillRunning bool
	if job != nil {
		workerID = job.WorkerID
		stillRunning = job.Status == models.WorkerJobQueued || job.Status == models.WorkerJobRunning
	}
	return Result{
		Status: "monitor_timeout", JobID: jobID, WorkerID: workerID, RunID: runID, Duration: elapsed,
		WorkerStillRunning: stillRunning, Error: fmt.Sprintf("monitor timeout after %.0fs", elapsed.Seconds()),
		ActivitySummary: m.activitySummary(),
	}
}

func (m *Monitor) writeMonitoringSnapshot(job *models.WorkerJob, elapsed time.Duration) {
	if job.WorkerID == "" || m.bundleRoot == "" {
		return
	}
	bundle, err := artifacts.OpenBundle(m.bundleRoot, job.Owner, job.WorkerID)
	if err != nil {
		return
	}
	names := make([]string, 0, 5)
	for i := len(m.activities) - 1; i >= 0 && len(names) < 5; i-- {
		names = append(names, m.activities[i].ToolName)
	}
	_ = bundle.WriteMonitoringSnapshot(m.checkCount, map[string]any{
		"check_number":    m.checkCount,
		"elapsed_seconds": elapsed.Seconds(),
		"job_status":      job.Status,
		"tool_activities": len(m.activities),
		"tool_names":      names,
	})
}

// buildToolIndex reads a completed worker's tool_calls directory and
// extracts exit_code/failed/bytes metadata from each file's JSON envelope.
func (m *Monitor) buildToolIndex(owner, workerID string) []ToolIndexEntry {
	if workerID == "" || owner == "" || m.bundleRoot == "" {
		return nil
	}
	toolCallsDir := filepath.Join(m.bundleRoot, owner, workerID, "tool_calls")
	entries, err := os.ReadDir(toolCallsDir)
	if err != nil {
		return nil
	}

	var out []ToolIndexEntry
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		seq, toolName, ok := parseToolCallFilename(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, _ := os.ReadFile(filepath.Join(toolCallsDir, entry.Name()))
		exitCode, failed := extractToolMetadata(data)
		out = append(out, ToolIndexEntry{
			Sequence: seq, ToolName: toolName, ExitCode: exitCode, Failed: failed,
			OutputBytes: info.Size(), DurationMs: m.toolDuration(toolName),
		})
	}
	return out
}

func (m *Monitor) toolDuration(toolName string) *int64 {
	for _, a := range m.activities {
		if a.ToolName == toolName && a.DurationMs != nil {
			return a.DurationMs
		}
	}
	return nil
}

func parseToolCallFilename(name string) (seq int, toolName string, ok bool) {
	trimmed := strings.TrimSuffix(name, ".txt")
	parts := strings.SplitN(trimmed, "_", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}

// extractToolMetadata parses a tool output's JSON envelope
// ({"ok": bool, "data": {"exit_code": N, ...}, "error": ...}) to recover an
// exit code and failure flag, without otherwise interpreting the payload.
func extractToolMetadata(data []byte) (exitCode *int, failed bool) {
	var envelope struct {
		OK   *bool `json:"ok"`
		Data struct {
			ExitCode *int `json:"exit_code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false
	}
	if envelope.OK != nil && !*envelope.OK {
		return nil, true
	}
	if envelope.Data.ExitCode != nil {
		return envelope.Data.ExitCode, *envelope.Data.ExitCode != 0
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

