package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/pkg/models"
)

type fakeFlipper struct{ store jobs.Store }

func (f fakeFlipper) FlipCreatedToQueued(ctx context.Context, jobIDs []string) error {
	return f.store.FlipCreatedToQueued(ctx, jobIDs)
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []struct {
		runID   int64
		results []models.WorkerResult
	}
}

func (t *recordingTrigger) Resume(ctx context.Context, runID int64, results []models.WorkerResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, struct {
		runID   int64
		results []models.WorkerResult
	}{runID, results})
}

func TestScanExpiredBarriersTimesOutAndResumes(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	barrierStore := barrier.NewMemoryStore()
	trigger := &recordingTrigger{}

	job := &models.WorkerJob{ID: "job-1", Owner: "owner-1", SupervisorRunID: 1, ToolCallID: "call-1", Task: "do work"}
	if _, _, err := jobStore.CreateOrReuse(ctx, job); err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := barrierStore.Open(ctx, fakeFlipper{jobStore}, 1, past, []barrier.ChildSpec{{JobID: "job-1", ToolCallID: "call-1"}}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	r := New(barrierStore, jobStore, trigger, Config{BarrierScanInterval: time.Hour, OrphanScanInterval: time.Hour})
	r.scanExpiredBarriers(ctx)

	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if len(trigger.calls) != 1 {
		t.Fatalf("expected 1 resume call, got %d", len(trigger.calls))
	}
	if trigger.calls[0].runID != 1 {
		t.Errorf("runID = %d, want 1", trigger.calls[0].runID)
	}
	if len(trigger.calls[0].results) != 1 || !trigger.calls[0].results[0].TimedOut {
		t.Errorf("expected one timed-out result, got %+v", trigger.calls[0].results)
	}
}

func TestScanExpiredBarriersSkipsUnexpired(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	barrierStore := barrier.NewMemoryStore()
	trigger := &recordingTrigger{}

	job := &models.WorkerJob{ID: "job-2", Owner: "owner-1", SupervisorRunID: 2, ToolCallID: "call-2", Task: "do work"}
	if _, _, err := jobStore.CreateOrReuse(ctx, job); err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if _, err := barrierStore.Open(ctx, fakeFlipper{jobStore}, 2, future, []barrier.ChildSpec{{JobID: "job-2", ToolCallID: "call-2"}}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	r := New(barrierStore, jobStore, trigger, Config{})
	r.scanExpiredBarriers(ctx)

	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if len(trigger.calls) != 0 {
		t.Fatalf("expected no resume calls for unexpired barrier, got %d", len(trigger.calls))
	}
}

func TestScanOrphanedJobsFailsStaleCreatedJobs(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	barrierStore := barrier.NewMemoryStore()

	job := &models.WorkerJob{ID: "job-3", Owner: "owner-1", SupervisorRunID: 3, ToolCallID: "call-3", Task: "orphaned"}
	if _, _, err := jobStore.CreateOrReuse(ctx, job); err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}

	r := New(barrierStore, jobStore, nil, Config{OrphanCutoff: -time.Hour})
	r.scanOrphanedJobs(ctx)

	got, err := jobStore.Get(ctx, "job-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.WorkerJobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != orphanReason {
		t.Errorf("error = %q, want %q", got.Error, orphanReason)
	}
}

func TestScanOrphanedJobsLeavesFreshCreatedJobsAlone(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	barrierStore := barrier.NewMemoryStore()

	job := &models.WorkerJob{ID: "job-4", Owner: "owner-1", SupervisorRunID: 4, ToolCallID: "call-4", Task: "fresh"}
	if _, _, err := jobStore.CreateOrReuse(ctx, job); err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}

	r := New(barrierStore, jobStore, nil, Config{OrphanCutoff: time.Hour})
	r.scanOrphanedJobs(ctx)

	got, err := jobStore.Get(ctx, "job-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.WorkerJobCreated {
		t.Errorf("status = %s, want created", got.Status)
	}
}
