package events

import (
	"sync"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Bus fans out recorded events to live subscribers of a single run —
// the mechanism behind an SSE stream following one supervisor run. It
// carries no durability guarantee; ListSince against Store is how a
// reconnecting subscriber catches up on what the bus dropped while it
// was disconnected.
type Bus struct {
	mu   sync.Mutex
	subs map[int64]map[chan models.Event]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int64]map[chan models.Event]struct{})}
}

// Subscribe registers a buffered channel for a run's events. Call the
// returned cancel func to unsubscribe and close the channel.
func (b *Bus) Subscribe(runID int64) (ch <-chan models.Event, cancel func()) {
	c := make(chan models.Event, 64)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan models.Event]struct{})
	}
	b.subs[runID][c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[runID]; ok {
			if _, ok := set[c]; ok {
				delete(set, c)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
	}
}

// Publish fans ev out to every live subscriber of ev.RunID. A slow or
// full subscriber is dropped from fan-out for this event rather than
// blocking the publisher — the event remains retrievable via Store.
func (b *Bus) Publish(ev models.Event) {
	b.mu.Lock()
	subs := b.subs[ev.RunID]
	chans := make([]chan models.Event, 0, len(subs))
	for c := range subs {
		chans = append(chans, c)
	}
	b.mu.Unlock()

	for _, c := range chans {
		select {
		case c <- ev:
		default:
		}
	}
}
