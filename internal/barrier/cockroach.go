package barrier

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relayforge/orchestrator/pkg/models"
)

// CockroachStore implements Store against `worker_barriers` and
// `barrier_jobs` tables, using row locks to serialize the claim.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an already-open *sql.DB.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// Open implements phase 2 of the two-phase commit. The barrier row, its
// children, and the created->queued flip all commit in one transaction, so
// a worker can never observe itself as queued before its barrier exists.
func (s *CockroachStore) Open(ctx context.Context, flipper JobFlipper, runID int64, deadline time.Time, children []ChildSpec) (*models.WorkerBarrier, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Re-interrupt case: a barrier already exists for this run. Delete its
	// children and reuse the row rather than inserting a duplicate.
	var barrierID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM worker_barriers WHERE run_id = $1`, runID).Scan(&barrierID)
	switch {
	case err == sql.ErrNoRows:
		row := tx.QueryRowContext(ctx, `
			INSERT INTO worker_barriers (run_id, expected_count, completed_count, status, deadline_at, created_at)
			VALUES ($1, $2, 0, $3, $4, now())
			RETURNING id
		`, runID, len(children), string(models.BarrierWaiting), deadline)
		if err := row.Scan(&barrierID); err != nil {
			return nil, fmt.Errorf("insert barrier: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lookup barrier: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM barrier_jobs WHERE barrier_id = $1`, barrierID); err != nil {
			return nil, fmt.Errorf("clear prior barrier jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE worker_barriers SET expected_count = $2, completed_count = 0, status = $3, deadline_at = $4
			WHERE id = $1
		`, barrierID, len(children), string(models.BarrierWaiting), deadline); err != nil {
			return nil, fmt.Errorf("reset barrier: %w", err)
		}
	}

	jobIDs := make([]string, 0, len(children))
	for _, c := range children {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO barrier_jobs (barrier_id, job_id, tool_call_id, status)
			VALUES ($1, $2, $3, $4)
		`, barrierID, c.JobID, c.ToolCallID, string(models.BarrierJobCreated)); err != nil {
			return nil, fmt.Errorf("insert barrier job: %w", err)
		}
		jobIDs = append(jobIDs, c.JobID)
	}

	if flipper != nil {
		if err := flipper.FlipCreatedToQueued(ctx, jobIDs); err != nil {
			return nil, fmt.Errorf("flip jobs to queued: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE barrier_jobs SET status = $2 WHERE barrier_id = $1 AND status = $3
	`, barrierID, string(models.BarrierJobQueued), string(models.BarrierJobCreated)); err != nil {
		return nil, fmt.Errorf("mark barrier jobs queued: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit barrier open: %w", err)
	}

	return &models.WorkerBarrier{
		ID:            barrierID,
		RunID:         runID,
		ExpectedCount: len(children),
		Status:        models.BarrierWaiting,
		DeadlineAt:    deadline,
	}, nil
}

// Complete is the transactional completion-side protocol from spec.md §4.8:
// lock the barrier row, lock the child row, check both are still live,
// record the outcome, and — only for the caller whose completion brings
// completed_count to expected_count — claim the barrier as resuming and
// return every child's result.
func (s *CockroachStore) Complete(ctx context.Context, runID int64, jobID string, status models.BarrierJobStatus, result, errStr string) (bool, []models.WorkerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		barrierID                      string
		barrierStatus                  string
		expectedCount, completedCount  int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, expected_count, completed_count FROM worker_barriers WHERE run_id = $1 FOR UPDATE
	`, runID).Scan(&barrierID, &barrierStatus, &expectedCount, &completedCount)
	if err == sql.ErrNoRows {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("lock barrier: %w", err)
	}
	if models.BarrierStatus(barrierStatus) != models.BarrierWaiting {
		return false, nil, nil
	}

	var childStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM barrier_jobs WHERE barrier_id = $1 AND job_id = $2 FOR UPDATE
	`, barrierID, jobID).Scan(&childStatus)
	if err == sql.ErrNoRows {
		return false, nil, ErrJobNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("lock barrier job: %w", err)
	}
	if models.BarrierJobStatus(childStatus).Terminal() {
		return false, nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE barrier_jobs SET status = $3, result = $4, error = $5 WHERE barrier_id = $1 AND job_id = $2
	`, barrierID, jobID, string(status), nullableString(result), nullableString(errStr)); err != nil {
		return false, nil, fmt.Errorf("update barrier job: %w", err)
	}

	completedCount++
	claimed := completedCount >= expectedCount
	newStatus := barrierStatus
	if claimed {
		newStatus = string(models.BarrierResuming)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_barriers SET completed_count = $2, status = $3 WHERE id = $1
	`, barrierID, completedCount, newStatus); err != nil {
		return false, nil, fmt.Errorf("update barrier: %w", err)
	}

	var results []models.WorkerResult
	if claimed {
		results, err = s.loadResults(ctx, tx, barrierID)
		if err != nil {
			return false, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit barrier complete: %w", err)
	}
	return claimed, results, nil
}

func (s *CockroachStore) Get(ctx context.Context, runID int64) (*models.WorkerBarrier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, expected_count, completed_count, status, deadline_at, created_at
		FROM worker_barriers WHERE run_id = $1
	`, runID)
	var b models.WorkerBarrier
	var status string
	if err := row.Scan(&b.ID, &b.RunID, &b.ExpectedCount, &b.CompletedCount, &status, &b.DeadlineAt, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get barrier: %w", err)
	}
	b.Status = models.BarrierStatus(status)
	return &b, nil
}

func (s *CockroachStore) ListExpired(ctx context.Context, now time.Time) ([]*models.WorkerBarrier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, expected_count, completed_count, status, deadline_at, created_at
		FROM worker_barriers WHERE status = $1 AND deadline_at < $2
	`, string(models.BarrierWaiting), now)
	if err != nil {
		return nil, fmt.Errorf("list expired barriers: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerBarrier
	for rows.Next() {
		var b models.WorkerBarrier
		var status string
		if err := rows.Scan(&b.ID, &b.RunID, &b.ExpectedCount, &b.CompletedCount, &status, &b.DeadlineAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan barrier: %w", err)
		}
		b.Status = models.BarrierStatus(status)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// TimeoutRemaining is used by the reaper: it locks the barrier
// non-blockingly-by-convention (the reaper iterates candidates one at a
// time so contention is rare), marks every outstanding child timeout, and
// claims the barrier for a partial-results resume.
func (s *CockroachStore) TimeoutRemaining(ctx context.Context, runID int64) ([]models.WorkerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var barrierID, barrierStatus string
	if err := tx.QueryRowContext(ctx, `
		SELECT id, status FROM worker_barriers WHERE run_id = $1 FOR UPDATE
	`, runID).Scan(&barrierID, &barrierStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock barrier: %w", err)
	}
	if models.BarrierStatus(barrierStatus) != models.BarrierWaiting {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE barrier_jobs SET status = $2, error = 'worker timed out before barrier deadline'
		WHERE barrier_id = $1 AND status IN ($3, $4)
	`, barrierID, string(models.BarrierJobTimeout), string(models.BarrierJobCreated), string(models.BarrierJobQueued)); err != nil {
		return nil, fmt.Errorf("timeout barrier jobs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_barriers SET status = $2, completed_count = expected_count WHERE id = $1
	`, barrierID, string(models.BarrierResuming)); err != nil {
		return nil, fmt.Errorf("claim barrier for timeout resume: %w", err)
	}

	results, err := s.loadResults(ctx, tx, barrierID)
	if err != nil {
		return nil, err
	}
	return results, tx.Commit()
}

func (s *CockroachStore) loadResults(ctx context.Context, tx *sql.Tx, barrierID string) ([]models.WorkerResult, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT job_id, tool_call_id, status, result, error FROM barrier_jobs WHERE barrier_id = $1
	`, barrierID)
	if err != nil {
		return nil, fmt.Errorf("load barrier job results: %w", err)
	}
	defer rows.Close()

	var out []models.WorkerResult
	for rows.Next() {
		var (
			jobID, toolCallID, status string
			result, errStr            sql.NullString
		)
		if err := rows.Scan(&jobID, &toolCallID, &status, &result, &errStr); err != nil {
			return nil, fmt.Errorf("scan barrier job result: %w", err)
		}
		out = append(out, models.WorkerResult{
			JobID:      jobID,
			ToolCallID: toolCallID,
			Success:    models.BarrierJobStatus(status) == models.BarrierJobCompleted,
			Result:     result.String,
			Error:      errStr.String,
			TimedOut:   models.BarrierJobStatus(status) == models.BarrierJobTimeout,
		})
	}
	return out, rows.Err()
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
