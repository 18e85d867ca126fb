// Package reaper runs the two periodic sweeps spec.md §4.8 assigns to no
// other component: timing out Worker Barriers past their deadline (and
// resuming their supervisor with partial results) and garbage-collecting
// Worker Jobs orphaned by a crashed phase-1 commit.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/pkg/models"
)

// ResumeTrigger is invoked once per timed-out barrier with its full
// (possibly partial) result set. Declared locally, mirroring
// workerrunner.ResumeTrigger, so this package does not depend on
// internal/supervisor.
type ResumeTrigger interface {
	Resume(ctx context.Context, runID int64, results []models.WorkerResult)
}

// Config configures the reaper's two cron-scheduled sweeps.
type Config struct {
	// WorkerID identifies this reaper instance in logs.
	WorkerID string

	// BarrierScanInterval is how often expired barriers are looked for.
	BarrierScanInterval time.Duration

	// OrphanScanInterval is how often orphaned created jobs are looked for.
	OrphanScanInterval time.Duration

	// OrphanCutoff is how long a job may sit in created with no barrier
	// job before it is considered orphaned.
	OrphanCutoff time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the reaper's default tunables.
func DefaultConfig() Config {
	return Config{
		WorkerID:            uuid.NewString(),
		BarrierScanInterval: 30 * time.Second,
		OrphanScanInterval:  5 * time.Minute,
		OrphanCutoff:        10 * time.Minute,
	}
}

// orphanReason is the fixed error message spec.md §4.8 assigns to GC'd jobs.
const orphanReason = "Orphaned job — barrier creation failed"

// Reaper runs the barrier-deadline scan and orphan-job GC sweeps on a
// cron.Cron scheduler, the same parser/runner the teacher uses for
// user-defined task schedules (internal/tasks/scheduler.go), here driven
// with fixed "@every" intervals instead of calendar expressions.
type Reaper struct {
	barrier barrier.Store
	jobs    jobs.Store
	resume  ResumeTrigger
	cfg     Config
	logger  *slog.Logger

	sched *cron.Cron
}

// New wires a Reaper from its dependencies.
func New(barrierStore barrier.Store, jobStore jobs.Store, resume ResumeTrigger, cfg Config) *Reaper {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.BarrierScanInterval <= 0 {
		cfg.BarrierScanInterval = 30 * time.Second
	}
	if cfg.OrphanScanInterval <= 0 {
		cfg.OrphanScanInterval = 5 * time.Minute
	}
	if cfg.OrphanCutoff <= 0 {
		cfg.OrphanCutoff = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reaper")
	}
	return &Reaper{barrier: barrierStore, jobs: jobStore, resume: resume, cfg: cfg, logger: logger}
}

// Start runs both sweeps once immediately, then schedules them on a
// cron.Cron instance at their configured intervals until Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.sched = cron.New()

	r.logger.Info("starting reaper",
		"worker_id", r.cfg.WorkerID,
		"barrier_scan_interval", r.cfg.BarrierScanInterval,
		"orphan_scan_interval", r.cfg.OrphanScanInterval,
	)

	r.scanExpiredBarriers(ctx)
	r.scanOrphanedJobs(ctx)

	if _, err := r.sched.AddFunc(everySpec(r.cfg.BarrierScanInterval), func() { r.scanExpiredBarriers(ctx) }); err != nil {
		return fmt.Errorf("schedule barrier scan: %w", err)
	}
	if _, err := r.sched.AddFunc(everySpec(r.cfg.OrphanScanInterval), func() { r.scanOrphanedJobs(ctx) }); err != nil {
		return fmt.Errorf("schedule orphan scan: %w", err)
	}

	r.sched.Start()
	return nil
}

// Stop cancels the scheduler and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.sched == nil {
		return
	}
	<-r.sched.Stop().Done()
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// scanExpiredBarriers implements spec.md §4.8's "Reaper" paragraph: scan
// waiting barriers past their deadline, mark outstanding children timeout,
// and trigger batch resume with the partial results.
func (r *Reaper) scanExpiredBarriers(ctx context.Context) {
	expired, err := r.barrier.ListExpired(ctx, time.Now())
	if err != nil {
		r.logger.Error("list expired barriers failed", "error", err)
		return
	}

	for _, b := range expired {
		results, err := r.barrier.TimeoutRemaining(ctx, b.RunID)
		if err != nil {
			if err == barrier.ErrNotFound {
				continue
			}
			r.logger.Error("timeout remaining barrier children failed", "run_id", b.RunID, "error", err)
			continue
		}
		r.logger.Warn("barrier deadline exceeded", "run_id", b.RunID, "result_count", len(results))
		if r.resume != nil {
			r.resume.Resume(ctx, b.RunID, results)
		}
	}
}

// scanOrphanedJobs fails jobs stuck in created with no matching barrier
// job, older than the configured cutoff — the trace of a crashed phase-1
// commit that never reached Open.
func (r *Reaper) scanOrphanedJobs(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.OrphanCutoff)
	orphans, err := r.jobs.ListOrphanedCreated(ctx, cutoff)
	if err != nil {
		r.logger.Error("list orphaned jobs failed", "error", err)
		return
	}

	for _, job := range orphans {
		ok, err := r.jobs.UpdateTerminal(ctx, job.ID, models.WorkerJobFailed, "", orphanReason)
		if err != nil {
			r.logger.Error("fail orphaned job failed", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			r.logger.Warn("failed orphaned job", "job_id", job.ID, "run_id", job.SupervisorRunID)
		}
	}
}
