// Package events implements the durable Event Record log and the
// in-memory bus that fans events out to live subscribers (e.g. an SSE
// handler watching one run). Every event carries a per-run monotonic
// seq, assigned by the Store at record time.
package events

import (
	"context"
	"sort"
	"sync"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Store persists Event Records and assigns per-run monotonic sequence
// numbers.
type Store interface {
	// Append assigns the next seq for ev.RunID, persists the record, and
	// returns it with Seq and ID populated.
	Append(ctx context.Context, ev models.Event) (models.Event, error)

	// ListByRun returns all events for a run in seq order.
	ListByRun(ctx context.Context, runID int64) ([]models.Event, error)

	// ListSince returns events for a run with seq > afterSeq, in seq
	// order — used by reconnecting subscribers to catch up.
	ListSince(ctx context.Context, runID int64, afterSeq int64) ([]models.Event, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	seqs   map[int64]int64 // runID -> last seq assigned
	byRun  map[int64][]models.Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:  make(map[int64]int64),
		byRun: make(map[int64][]models.Event),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	s.seqs[ev.RunID]++
	ev.Seq = s.seqs[ev.RunID]
	s.byRun[ev.RunID] = append(s.byRun[ev.RunID], ev)
	return ev, nil
}

func (s *MemoryStore) ListByRun(ctx context.Context, runID int64) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.byRun[runID]))
	copy(out, s.byRun[runID])
	return out, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, runID int64, afterSeq int64) ([]models.Event, error) {
	all, _ := s.ListByRun(ctx, runID)
	idx := sort.Search(len(all), func(i int) bool { return all[i].Seq > afterSeq })
	return all[idx:], nil
}
