package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/relayforge/orchestrator/pkg/models"
)

// CockroachStore implements Store against an `events` table with a
// per-run monotonic seq assigned via `SELECT...FOR UPDATE` on a sequence
// counter row, the same row-lock idiom used by the runs and barrier
// stores for their own invariants.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an already-open *sql.DB.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_seqs (run_id, last_seq) VALUES ($1, 1)
		ON CONFLICT (run_id) DO UPDATE SET last_seq = event_seqs.last_seq + 1
		RETURNING last_seq
	`, ev.RunID).Scan(&seq)
	if err != nil {
		return models.Event{}, fmt.Errorf("allocate event seq: %w", err)
	}
	ev.Seq = seq

	row := tx.QueryRowContext(ctx, `
		INSERT INTO events (run_id, seq, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at
	`, ev.RunID, ev.Seq, string(ev.Type), payload)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, fmt.Errorf("commit event append: %w", err)
	}
	return ev, nil
}

func (s *CockroachStore) ListByRun(ctx context.Context, runID int64) ([]models.Event, error) {
	return s.query(ctx, `
		SELECT id, run_id, seq, event_type, payload, created_at FROM events
		WHERE run_id = $1 ORDER BY seq ASC
	`, runID)
}

func (s *CockroachStore) ListSince(ctx context.Context, runID int64, afterSeq int64) ([]models.Event, error) {
	return s.query(ctx, `
		SELECT id, run_id, seq, event_type, payload, created_at FROM events
		WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC
	`, runID, afterSeq)
}

func (s *CockroachStore) query(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ev          models.Event
			eventType   string
			payloadJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &eventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(eventType)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
