package runs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relayforge/orchestrator/pkg/models"
)

// CockroachConfig holds connection pool tuning for the Postgres-backed run
// store.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns the pool defaults used across this
// module's Postgres-backed stores.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Store against a Postgres/CockroachDB table
// named `runs`.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN opens and pings a connection to the given DSN.
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

// NewCockroachStore wraps an already-open *sql.DB, for callers sharing one
// pool across stores.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *CockroachStore) Create(ctx context.Context, run *models.Run) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO runs (owner, thread_id, status, trigger, started_at, model, reasoning_effort,
			trace_id, assistant_message_id, continuation_of_run_id, root_run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0)
		RETURNING id
	`,
		run.Owner, run.ThreadID, string(run.Status), string(run.Trigger), run.StartedAt,
		run.Model, nullableString(run.ReasoningEffort), run.TraceID, run.AssistantMessageID,
		nullInt64Ptr(run.ContinuationOfRunID),
	)
	if err := row.Scan(&run.ID); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if run.RootRunID == 0 {
		run.RootRunID = run.ID
		if _, err := s.db.ExecContext(ctx, `UPDATE runs SET root_run_id = $1 WHERE id = $1`, run.ID); err != nil {
			return fmt.Errorf("set root run id: %w", err)
		}
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, id int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, thread_id, status, trigger, started_at, finished_at, duration_ms,
			model, reasoning_effort, trace_id, total_tokens, assistant_message_id,
			continuation_of_run_id, root_run_id, summary, error
		FROM runs WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateStatus loads the row, validates the transition in Go (the
// authoritative state machine lives in models.RunStatus), lets fn mutate
// auxiliary fields, and writes the result back inside one transaction.
func (s *CockroachStore) UpdateStatus(ctx context.Context, id int64, next models.RunStatus, fn func(*models.Run) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner, thread_id, status, trigger, started_at, finished_at, duration_ms,
			model, reasoning_effort, trace_id, total_tokens, assistant_message_id,
			continuation_of_run_id, root_run_id, summary, error
		FROM runs WHERE id = $1 FOR UPDATE
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run for update: %w", err)
	}
	if !run.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	if fn != nil {
		if err := fn(run); err != nil {
			return err
		}
	}
	run.Status = next
	if next.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status=$2, finished_at=$3, duration_ms=$4, total_tokens=$5, summary=$6, error=$7
		WHERE id=$1
	`, id, string(run.Status), nullTimePtr(run.FinishedAt), run.DurationMs, run.TotalTokens,
		nullableString(run.Summary), nullableString(run.Error)); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// TransitionIf performs the conditional update `WHERE status = expected`
// under a row lock so exactly one concurrent caller observes success.
func (s *CockroachStore) TransitionIf(ctx context.Context, id int64, expectedCurrent, next models.RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("lock run: %w", err)
	}
	if models.RunStatus(current) != expectedCurrent {
		return ErrNotWaiting
	}
	if !expectedCurrent.CanTransitionTo(next) {
		return ErrInvalidTransition
	}

	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = $2 WHERE id = $1 AND status = $3`, id, string(next), string(expectedCurrent))
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotWaiting
	}
	return tx.Commit()
}

// CreateContinuation relies on a unique index on continuation_of_run_id:
// a unique-violation on insert means another caller already created the
// continuation, which is then fetched and returned alongside
// ErrDuplicateContinuation.
func (s *CockroachStore) CreateContinuation(ctx context.Context, parentID int64, run *models.Run) (*models.Run, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	run.ContinuationOfRunID = &parentID
	run.RootRunID = parent.RootRunID
	run.Trigger = models.RunTriggerContinuation

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO runs (owner, thread_id, status, trigger, started_at, model, reasoning_effort,
			trace_id, assistant_message_id, continuation_of_run_id, root_run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (continuation_of_run_id) DO NOTHING
		RETURNING id
	`,
		run.Owner, run.ThreadID, string(run.Status), string(run.Trigger), run.StartedAt,
		run.Model, nullableString(run.ReasoningEffort), run.TraceID, run.AssistantMessageID,
		parentID, run.RootRunID,
	)
	if err := row.Scan(&run.ID); err != nil {
		if err == sql.ErrNoRows {
			existing, getErr := s.getByContinuationOf(ctx, parentID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, ErrDuplicateContinuation
		}
		return nil, fmt.Errorf("create continuation: %w", err)
	}
	return run, nil
}

func (s *CockroachStore) getByContinuationOf(ctx context.Context, parentID int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, thread_id, status, trigger, started_at, finished_at, duration_ms,
			model, reasoning_effort, trace_id, total_tokens, assistant_message_id,
			continuation_of_run_id, root_run_id, summary, error
		FROM runs WHERE continuation_of_run_id = $1
	`, parentID)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (*models.Run, error) {
	var (
		run                 models.Run
		status, trigger     string
		finishedAt          sql.NullTime
		reasoningEffort     sql.NullString
		continuationOfRunID sql.NullInt64
		summary, errStr     sql.NullString
	)
	if err := scanner.Scan(
		&run.ID, &run.Owner, &run.ThreadID, &status, &trigger, &run.StartedAt, &finishedAt,
		&run.DurationMs, &run.Model, &reasoningEffort, &run.TraceID, &run.TotalTokens,
		&run.AssistantMessageID, &continuationOfRunID, &run.RootRunID, &summary, &errStr,
	); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.Trigger = models.RunTrigger(trigger)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if reasoningEffort.Valid {
		run.ReasoningEffort = reasoningEffort.String
	}
	if continuationOfRunID.Valid {
		v := continuationOfRunID.Int64
		run.ContinuationOfRunID = &v
	}
	if summary.Valid {
		run.Summary = summary.String
	}
	if errStr.Valid {
		run.Error = errStr.String
	}
	return &run, nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTimePtr(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
