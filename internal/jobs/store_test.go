package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

func TestMemoryStoreCreateOrReuse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := &models.WorkerJob{ID: "job-1", SupervisorRunID: 1, ToolCallID: "tc1", Task: "do a thing"}
	created, reused, err := store.CreateOrReuse(ctx, job)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if reused {
		t.Fatalf("expected first call to create, not reuse")
	}
	if created.Status != models.WorkerJobCreated {
		t.Fatalf("expected status created, got %q", created.Status)
	}

	// A second spawn with the same (run, tool_call_id) must reuse the
	// existing row and create no new job (spec property 6: cache reuse).
	dup := &models.WorkerJob{ID: "job-2", SupervisorRunID: 1, ToolCallID: "tc1", Task: "do a thing"}
	got, reused, err := store.CreateOrReuse(ctx, dup)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if !reused {
		t.Fatalf("expected reuse on duplicate (run_id, tool_call_id)")
	}
	if got.ID != "job-1" {
		t.Fatalf("expected original job id, got %q", got.ID)
	}
}

func TestMemoryStoreFlipCreatedToQueued(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, _, err := store.CreateOrReuse(ctx, &models.WorkerJob{ID: id, SupervisorRunID: 1, ToolCallID: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	job, err := store.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("claim before queued: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no claimable job while both are created, got %+v", job)
	}

	if err := store.FlipCreatedToQueued(ctx, []string{"a"}); err != nil {
		t.Fatalf("flip: %v", err)
	}

	job, err = store.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != "a" {
		t.Fatalf("expected to claim job a, got %+v", job)
	}
	if job.Status != models.WorkerJobRunning {
		t.Fatalf("expected claimed job running, got %q", job.Status)
	}

	if job, err = store.ClaimNextQueued(ctx); err != nil || job != nil {
		t.Fatalf("expected no further claimable job, got %+v err=%v", job, err)
	}
}

func TestMemoryStoreUpdateTerminalIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.CreateOrReuse(ctx, &models.WorkerJob{ID: "job-1", SupervisorRunID: 1, ToolCallID: "tc1"})
	store.FlipCreatedToQueued(ctx, []string{"job-1"})
	store.ClaimNextQueued(ctx)

	// External cancellation races ahead of the runner's own terminal
	// update (spec property 5: cancellation idempotence).
	if err := store.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ok, err := store.UpdateTerminal(ctx, "job-1", models.WorkerJobSuccess, "result", "")
	if err != nil {
		t.Fatalf("update terminal: %v", err)
	}
	if ok {
		t.Fatalf("expected terminal update to be rejected after external cancellation")
	}

	got, _ := store.Get(ctx, "job-1")
	if got.Status != models.WorkerJobCancelled {
		t.Fatalf("expected status to remain cancelled, got %q", got.Status)
	}
}

func TestMemoryStoreListOrphanedCreated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := &models.WorkerJob{ID: "old", SupervisorRunID: 1, ToolCallID: "tc-old", CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &models.WorkerJob{ID: "fresh", SupervisorRunID: 1, ToolCallID: "tc-fresh", CreatedAt: time.Now()}
	store.byID[old.ID] = old
	store.bySpawn[spawnKey{1, "tc-old"}] = old.ID
	store.order = append(store.order, old.ID)
	store.CreateOrReuse(ctx, fresh)

	orphaned, err := store.ListOrphanedCreated(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list orphaned: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0].ID != "old" {
		t.Fatalf("expected only the stale created job, got %+v", orphaned)
	}
}
