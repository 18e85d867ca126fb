// Package dispatch implements spec.md §4.5's Worker Job Processor: the
// loop that picks up queued Worker Jobs and hands them to a
// workerrunner.Runner, bounding how many run at once overall and per
// owner.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/internal/workerrunner"
	"github.com/relayforge/orchestrator/pkg/models"
)

// Config configures the dispatcher's polling cadence and concurrency
// ceilings.
type Config struct {
	// PollInterval is how often the dispatcher checks for queued work
	// when it is not already saturated.
	PollInterval time.Duration

	// GlobalConcurrency caps how many jobs run at once across all
	// owners.
	GlobalConcurrency int64

	// PerOwnerConcurrency caps how many jobs run at once for a single
	// owner, the per_owner_worker_concurrency tunable.
	PerOwnerConcurrency int64
}

// DefaultConfig returns the dispatcher's default tunables.
func DefaultConfig() Config {
	return Config{
		PollInterval:        500 * time.Millisecond,
		GlobalConcurrency:   8,
		PerOwnerConcurrency: 2,
	}
}

// Dispatcher runs Config.GlobalConcurrency worker jobs concurrently,
// never more than Config.PerOwnerConcurrency of them for the same
// owner at once.
type Dispatcher struct {
	jobs   jobs.Store
	runner *workerrunner.Runner
	cfg    Config
	logger *slog.Logger

	global *semaphore.Weighted

	ownerMu sync.Mutex
	owners  map[string]*semaphore.Weighted
}

// New wires a Dispatcher from its dependencies.
func New(jobStore jobs.Store, runner *workerrunner.Runner, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	if cfg.PerOwnerConcurrency <= 0 {
		cfg.PerOwnerConcurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:   jobStore,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		global: semaphore.NewWeighted(cfg.GlobalConcurrency),
		owners: make(map[string]*semaphore.Weighted),
	}
}

// ownerSem returns the per-owner semaphore for owner, creating it on
// first use.
func (d *Dispatcher) ownerSem(owner string) *semaphore.Weighted {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	sem, ok := d.owners[owner]
	if !ok {
		sem = semaphore.NewWeighted(d.cfg.PerOwnerConcurrency)
		d.owners[owner] = sem
	}
	return sem
}

// Run polls for queued jobs until ctx is cancelled. Each claimed job is
// run in its own goroutine, gated first by the global semaphore (which
// bounds how eagerly the dispatcher claims ahead) and then, inside that
// goroutine, by its owner's semaphore (which bounds actual concurrent
// execution per owner). A job already claimed but waiting on its owner's
// semaphore counts against the global slot, so GlobalConcurrency is also
// an effective ceiling on in-flight claims.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain claims and dispatches queued jobs until the store reports none
// left or the global semaphore is exhausted.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if !d.global.TryAcquire(1) {
			return
		}

		job, err := d.jobs.ClaimNextQueued(ctx)
		if err != nil {
			d.global.Release(1)
			d.logger.Error("claim queued job failed", "error", err)
			return
		}
		if job == nil {
			d.global.Release(1)
			return
		}

		go d.runClaimed(ctx, job)
	}
}

// runClaimed executes an already-claimed job, applying the owner's
// concurrency cap before handing it to the runner.
func (d *Dispatcher) runClaimed(ctx context.Context, job *models.WorkerJob) {
	defer d.global.Release(1)

	sem := d.ownerSem(job.Owner)
	if err := sem.Acquire(ctx, 1); err != nil {
		d.logger.Warn("owner semaphore acquire canceled", "owner", job.Owner, "job_id", job.ID, "error", err)
		return
	}
	defer sem.Release(1)

	d.runner.Run(ctx, job)
}
