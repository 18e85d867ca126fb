// Package supervisor implements the long-lived, per-owner half of the
// two-tier agent hierarchy: the single supervisor thread that receives
// user tasks, drives the ReAct engine, and — when that engine interrupts
// with pending spawn_worker calls — commits phase 2 of the two-phase
// commit (open the Worker Barrier, flip jobs to queued, mark the run
// waiting) and later resumes once every spawned worker has terminated.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/internal/roundabout"
	"github.com/relayforge/orchestrator/internal/runs"
	"github.com/relayforge/orchestrator/internal/threads"
	"github.com/relayforge/orchestrator/pkg/models"
)

// recentWorkersMarker tags the system notice injected at turn start so a
// later turn can find and prune it.
const recentWorkersMarker = "[recent-workers]"

// Service owns the supervisor side of one deployment: one thread per
// owner, any number of concurrently waiting runs.
type Service struct {
	runs     runs.Store
	threads  threads.Store
	jobs     jobs.Store
	barrier  barrier.Store
	provider agent.LLMProvider
	registry *agent.ToolRegistry
	executor *agent.ToolExecutor
	emitter  EventEmitter
	cfg      Config
	logger   *slog.Logger
}

// EventEmitter is the narrow view of events.Emitter the supervisor needs,
// kept as an interface so tests can assert on emitted events without a
// durable store.
type EventEmitter interface {
	Emit(ctx context.Context, runID int64, eventType models.EventType, payload models.EventPayload) (models.Event, error)
}

// criticalErrorMarker is satisfied by *events.Emitter. It is checked via
// a type assertion rather than folded into EventEmitter so test doubles
// that only implement Emit (e.g. service_test.go's recordingEmitter)
// keep working unchanged.
type criticalErrorMarker interface {
	MarkCriticalError(ctx context.Context, runID int64, ownerID, message string)
	CriticalError(runID int64) (string, bool)
}

// New wires a Service from its dependencies.
func New(runStore runs.Store, threadStore threads.Store, jobStore jobs.Store, barrierStore barrier.Store, provider agent.LLMProvider, registry *agent.ToolRegistry, emitter EventEmitter, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runs:     runStore,
		threads:  threadStore,
		jobs:     jobStore,
		barrier:  barrierStore,
		provider: provider,
		registry: registry,
		executor: agent.NewToolExecutor(registry, agent.DefaultToolExecConfig()),
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleUserMessage is the entry point for a new user task: §4.9 steps 1-6.
func (s *Service) HandleUserMessage(ctx context.Context, owner, agentID, task string) (*models.Run, error) {
	thread, err := s.threads.GetOrCreate(ctx, owner, agentID, models.ThreadKindSupervisor)
	if err != nil {
		return nil, fmt.Errorf("get supervisor thread: %w", err)
	}

	if err := s.threads.PruneSystemNotices(ctx, thread.ID, recentWorkersMarker, s.cfg.StaleNoticeProtectWindow); err != nil {
		s.logger.Warn("prune stale recent-worker notices failed", "owner", owner, "error", err)
	}
	if err := s.injectRecentWorkers(ctx, thread.ID, owner); err != nil {
		s.logger.Warn("inject recent workers notice failed", "owner", owner, "error", err)
	}

	run := &models.Run{
		Owner:              owner,
		ThreadID:           thread.ID,
		Status:             models.RunStatusRunning,
		Trigger:            models.RunTriggerUser,
		TraceID:            uuid.NewString(),
		AssistantMessageID: uuid.NewString(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.emit(ctx, run.ID, models.EventSupervisorStarted, owner, "", nil)

	if err := s.threads.Append(ctx, thread.ID, &models.ThreadMessage{Role: models.RoleUser, Content: task}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	s.advance(ctx, run)
	return run, nil
}

// turnOutcome carries runTurn's result across the shield goroutine boundary.
type turnOutcome struct {
	text      string
	interrupt *agent.Interrupt
	err       error
}

// advance drives run forward one ReAct turn under §4.9's "shield" timeout:
// the turn itself is never cancelled when RunTimeout elapses, only the
// caller's wait on it is. A turn that outlasts the timeout defers the run
// and keeps working in the background, settling the same run later via
// settle. Callers of advance (HandleUserMessage, Resume, ContinueDeferred)
// therefore always return promptly.
func (s *Service) advance(ctx context.Context, run *models.Run) {
	done := make(chan turnOutcome, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		text, interrupt, err := s.runTurn(bg, run)
		done <- turnOutcome{text: text, interrupt: interrupt, err: err}
	}()

	timer := time.NewTimer(s.cfg.RunTimeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		s.settle(ctx, run, outcome)
	case <-timer.C:
		s.defer_(ctx, run)
		go func() {
			outcome := <-done
			s.settle(context.Background(), run, outcome)
		}()
	}
}

func (s *Service) settle(ctx context.Context, run *models.Run, outcome turnOutcome) {
	if outcome.err != nil {
		s.fail(ctx, run, outcome.err.Error())
		return
	}
	if outcome.interrupt != nil {
		s.openBarrier(ctx, run, outcome.interrupt)
		return
	}
	s.succeed(ctx, run, outcome.text)
}

// defer_ implements §4.9 step 5: the run timeout stops waiting, not
// working. The trailing underscore avoids shadowing the defer keyword.
func (s *Service) defer_(ctx context.Context, run *models.Run) {
	if err := s.runs.UpdateStatus(ctx, run.ID, models.RunStatusDeferred, nil); err != nil {
		s.logger.Error("mark run deferred failed", "run_id", run.ID, "error", err)
		return
	}
	s.emit(ctx, run.ID, models.EventSupervisorDeferred, run.Owner, "", map[string]any{
		"attach_url": fmt.Sprintf("%s%d", s.cfg.AttachURLBase, run.ID),
	})
}

// ContinueDeferred implements the continuation side of §4.9: a caller
// checking back on a deferred run gets a new run chained to it via
// CreateContinuation's at-most-one-continuation invariant, idempotently
// reusing an existing continuation rather than creating a duplicate.
func (s *Service) ContinueDeferred(ctx context.Context, runID int64) (*models.Run, error) {
	parent, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load deferred run: %w", err)
	}
	if parent.Status != models.RunStatusDeferred {
		return parent, nil
	}

	continuation := &models.Run{
		Owner:              parent.Owner,
		ThreadID:           parent.ThreadID,
		Status:             models.RunStatusRunning,
		Trigger:            models.RunTriggerContinuation,
		TraceID:            parent.TraceID,
		AssistantMessageID: parent.AssistantMessageID,
	}
	created, err := s.runs.CreateContinuation(ctx, runID, continuation)
	if err != nil {
		if err == runs.ErrDuplicateContinuation {
			return created, nil
		}
		return nil, fmt.Errorf("create continuation: %w", err)
	}

	s.advance(ctx, created)
	return created, nil
}

func (s *Service) succeed(ctx context.Context, run *models.Run, summary string) {
	if marker, ok := s.emitter.(criticalErrorMarker); ok {
		if msg, flagged := marker.CriticalError(run.ID); flagged {
			s.fail(ctx, run, fmt.Sprintf("critical tool error: %s", msg))
			return
		}
	}

	finishedAt := time.Now()
	err := s.runs.UpdateStatus(ctx, run.ID, models.RunStatusSuccess, func(r *models.Run) error {
		r.Summary = summary
		r.FinishedAt = &finishedAt
		return nil
	})
	if err != nil {
		s.logger.Error("mark run success failed", "run_id", run.ID, "error", err)
		return
	}
	s.emit(ctx, run.ID, models.EventSupervisorComplete, run.Owner, "", map[string]any{"summary": summary})
	s.emit(ctx, run.ID, models.EventRunUpdated, run.Owner, "", map[string]any{"status": string(models.RunStatusSuccess)})
}

func (s *Service) fail(ctx context.Context, run *models.Run, reason string) {
	finishedAt := time.Now()
	err := s.runs.UpdateStatus(ctx, run.ID, models.RunStatusFailed, func(r *models.Run) error {
		r.Error = reason
		r.FinishedAt = &finishedAt
		return nil
	})
	if err != nil {
		s.logger.Error("mark run failed failed", "run_id", run.ID, "error", err)
		return
	}
	s.emit(ctx, run.ID, models.EventError, run.Owner, "", map[string]any{"error": reason})
	s.emit(ctx, run.ID, models.EventRunUpdated, run.Owner, "", map[string]any{"status": string(models.RunStatusFailed)})
}

// openBarrier implements §4.4 phase 2 and §4.9 step 6: create (or reset)
// the Worker Barrier, flip the newly created jobs to queued inside that
// same call, and mark the run waiting.
//
// A spawn whose job row was already terminal at commit time (a cache hit
// on a replayed assistant message, or a job that raced to completion
// before this call) is never given to the barrier: no runner will ever
// claim an already-terminal job, so waiting on it would hang until the
// reaper's deadline instead of resolving immediately. Its result is
// synthesized as a tool reply right here instead.
func (s *Service) openBarrier(ctx context.Context, run *models.Run, interrupt *agent.Interrupt) {
	children := make([]barrier.ChildSpec, 0, len(interrupt.Pending))
	for _, p := range interrupt.Pending {
		if p.Job.Status.Terminal() {
			if err := s.appendCachedSpawnReply(ctx, run, p); err != nil {
				s.fail(ctx, run, fmt.Sprintf("append cached spawn reply: %v", err))
				return
			}
			continue
		}
		children = append(children, barrier.ChildSpec{JobID: p.Job.ID, ToolCallID: p.ToolCallID})
	}

	if len(children) == 0 {
		// Every spawn in this turn was a cache hit; there is nothing left
		// to wait on, so resume the turn immediately instead of opening an
		// empty barrier.
		s.advance(ctx, run)
		return
	}

	deadline := time.Now().Add(s.cfg.BarrierDeadline)
	if _, err := s.barrier.Open(ctx, jobFlipper{s.jobs}, run.ID, deadline, children); err != nil {
		s.fail(ctx, run, fmt.Sprintf("open worker barrier: %v", err))
		return
	}

	if err := s.runs.UpdateStatus(ctx, run.ID, models.RunStatusWaiting, nil); err != nil {
		s.logger.Error("mark run waiting failed", "run_id", run.ID, "error", err)
		return
	}
	s.emit(ctx, run.ID, models.EventSupervisorWaiting, run.Owner, "", map[string]any{
		"job_ids": interrupt.JobIDs,
		"reason":  "waiting_for_worker",
	})
}

// appendCachedSpawnReply synthesizes the same tool message a barrier
// resume would have produced (§4.8 batch resume step 2) for a spawn
// whose job was already terminal, without ever routing it through the
// barrier.
func (s *Service) appendCachedSpawnReply(ctx context.Context, run *models.Run, p agent.PendingSpawn) error {
	status, body := "completed", p.Job.Result
	if p.Job.Status != models.WorkerJobSuccess {
		status, body = "failed", p.Job.Error
	}
	content := fmt.Sprintf("Worker %s:\n\n%s\n\n%s", status, body, roundabout.EvidenceMarker(run.ID, p.Job.ID, p.Job.ID))
	return s.threads.AppendToolReply(ctx, run.ThreadID, p.ToolCallID, agent.SpawnToolName, content)
}

// jobFlipper adapts jobs.Store to barrier.JobFlipper.
type jobFlipper struct{ store jobs.Store }

func (f jobFlipper) FlipCreatedToQueued(ctx context.Context, jobIDs []string) error {
	return f.store.FlipCreatedToQueued(ctx, jobIDs)
}

func (s *Service) emit(ctx context.Context, runID int64, eventType models.EventType, owner, workerID string, extra map[string]any) {
	if s.emitter == nil {
		return
	}
	if _, err := s.emitter.Emit(ctx, runID, eventType, models.EventPayload{OwnerID: owner, WorkerID: workerID, Extra: extra}); err != nil {
		s.logger.Warn("emit supervisor event failed", "run_id", runID, "event", eventType, "error", err)
	}
}
