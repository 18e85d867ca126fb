package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/relayforge/orchestrator/pkg/models"
)

// CockroachConfig holds configuration for CockroachDB connection.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Store using CockroachDB, against a
// `worker_jobs` table.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN creates a new Cockroach-backed job store.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &CockroachStore{db: db}, nil
}

// NewCockroachStore wraps an already-open *sql.DB.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateOrReuse implements two-phase-commit phase 1 against the unique
// index on (supervisor_run_id, tool_call_id): an insert conflict means the
// row already exists and is fetched and returned instead.
func (s *CockroachStore) CreateOrReuse(ctx context.Context, job *models.WorkerJob) (*models.WorkerJob, bool, error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return nil, false, fmt.Errorf("marshal worker config: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = models.WorkerJobCreated

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO worker_jobs (id, owner, supervisor_run_id, tool_call_id, trace_id, task, model,
			reasoning_effort, status, config, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (supervisor_run_id, tool_call_id) DO NOTHING
		RETURNING id
	`,
		job.ID, job.Owner, job.SupervisorRunID, job.ToolCallID, job.TraceID, job.Task, job.Model,
		nullableString(job.ReasoningEffort), string(job.Status), configJSON, job.CreatedAt,
	)
	var returnedID string
	if err := row.Scan(&returnedID); err != nil {
		if err == sql.ErrNoRows {
			existing, getErr := s.GetBySpawnCall(ctx, job.SupervisorRunID, job.ToolCallID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("create worker job: %w", err)
	}
	return job, false, nil
}

func (s *CockroachStore) Get(ctx context.Context, id string) (*models.WorkerJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, supervisor_run_id, tool_call_id, trace_id, task, model, reasoning_effort,
			status, config, worker_id, result, error_message, created_at, started_at, finished_at
		FROM worker_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker job: %w", err)
	}
	return job, nil
}

func (s *CockroachStore) GetBySpawnCall(ctx context.Context, supervisorRunID int64, toolCallID string) (*models.WorkerJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, supervisor_run_id, tool_call_id, trace_id, task, model, reasoning_effort,
			status, config, worker_id, result, error_message, created_at, started_at, finished_at
		FROM worker_jobs WHERE supervisor_run_id = $1 AND tool_call_id = $2
	`, supervisorRunID, toolCallID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker job by spawn call: %w", err)
	}
	return job, nil
}

func (s *CockroachStore) FlipCreatedToQueued(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(jobIDs))
	args := make([]any, len(jobIDs)+1)
	args[0] = string(models.WorkerJobQueued)
	for i, id := range jobIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args[i+1] = id
	}
	query := fmt.Sprintf(`
		UPDATE worker_jobs SET status = $1 WHERE status = 'created' AND id IN (%s)
	`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("flip worker jobs to queued: %w", err)
	}
	return nil
}

// ClaimNextQueued atomically claims the oldest queued job via
// `SELECT ... FOR UPDATE SKIP LOCKED`, the standard Postgres dispatcher
// pattern for competing consumers.
func (s *CockroachStore) ClaimNextQueued(ctx context.Context) (*models.WorkerJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner, supervisor_run_id, tool_call_id, trace_id, task, model, reasoning_effort,
			status, config, worker_id, result, error_message, created_at, started_at, finished_at
		FROM worker_jobs WHERE status = 'queued' ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED LIMIT 1
	`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued job: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_jobs SET status = 'running', started_at = $2 WHERE id = $1
	`, job.ID, now); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	job.Status = models.WorkerJobRunning
	job.StartedAt = &now
	return job, tx.Commit()
}

func (s *CockroachStore) UpdateTerminal(ctx context.Context, id string, status models.WorkerJobStatus, result, errStr string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_jobs SET status = $2, result = $3, error_message = $4, finished_at = now()
		WHERE id = $1 AND status NOT IN ('success','failed','cancelled','timeout')
	`, id, string(status), nullableString(result), nullableString(errStr))
	if err != nil {
		return false, fmt.Errorf("update terminal job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *CockroachStore) Cancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_jobs SET status = 'cancelled', finished_at = now()
		WHERE id = $1 AND status NOT IN ('success','failed','cancelled','timeout')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func (s *CockroachStore) ListOrphanedCreated(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wj.id, wj.owner, wj.supervisor_run_id, wj.tool_call_id, wj.trace_id, wj.task, wj.model,
			wj.reasoning_effort, wj.status, wj.config, wj.worker_id, wj.result, wj.error_message,
			wj.created_at, wj.started_at, wj.finished_at
		FROM worker_jobs wj
		LEFT JOIN barrier_jobs bj ON bj.job_id = wj.id
		WHERE wj.status = 'created' AND wj.created_at < $1 AND bj.job_id IS NULL
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list orphaned jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphaned job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListRecentByOwner returns owner's jobs created since since, newest first,
// capped at limit.
func (s *CockroachStore) ListRecentByOwner(ctx context.Context, owner string, since time.Time, limit int) ([]*models.WorkerJob, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, supervisor_run_id, tool_call_id, trace_id, task, model, reasoning_effort,
			status, config, worker_id, result, error_message, created_at, started_at, finished_at
		FROM worker_jobs WHERE owner = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, owner, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*models.WorkerJob, error) {
	var (
		job             models.WorkerJob
		status          string
		reasoningEffort sql.NullString
		configBytes     []byte
		workerID        sql.NullString
		result          sql.NullString
		errorMessage    sql.NullString
		startedAt       sql.NullTime
		finishedAt      sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID, &job.Owner, &job.SupervisorRunID, &job.ToolCallID, &job.TraceID, &job.Task,
		&job.Model, &reasoningEffort, &status, &configBytes, &workerID, &result, &errorMessage,
		&job.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, err
	}
	job.Status = models.WorkerJobStatus(status)
	if reasoningEffort.Valid {
		job.ReasoningEffort = reasoningEffort.String
	}
	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal worker config: %w", err)
		}
	}
	if workerID.Valid {
		job.WorkerID = workerID.String
	}
	if result.Valid {
		job.Result = result.String
	}
	if errorMessage.Valid {
		job.Error = errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
