package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/relayforge/orchestrator/pkg/models"
)

// sensitiveKeys lists Extra-payload keys that are redacted before an event
// is persisted or published, mirroring the teacher's filename/type
// redaction-list pattern applied here to event payload keys instead.
var sensitiveKeys = map[string]struct{}{
	"api_key": {}, "token": {}, "secret": {}, "password": {}, "authorization": {},
}

// Emitter records an event durably via Store and fans it out live via
// Bus. It is the ambient-context-threaded dependency every component
// that produces supervisor/worker events holds a reference to.
type Emitter struct {
	store  Store
	bus    *Bus
	logger *slog.Logger

	criticalMu sync.Mutex
	critical   map[int64]string
}

// NewEmitter wires a Store and Bus together.
func NewEmitter(store Store, bus *Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, bus: bus, logger: logger, critical: make(map[int64]string)}
}

// Emit redacts sensitive Extra keys, appends the event to Store (which
// assigns its seq), and publishes it on Bus.
func (e *Emitter) Emit(ctx context.Context, runID int64, eventType models.EventType, payload models.EventPayload) (models.Event, error) {
	payload.RunID = runID
	redact(payload.Extra)

	ev, err := e.store.Append(ctx, models.Event{RunID: runID, Type: eventType, Payload: payload})
	if err != nil {
		return models.Event{}, fmt.Errorf("append event: %w", err)
	}

	e.logger.Debug("event emitted",
		"run_id", runID, "event_type", string(eventType), "seq", ev.Seq, "owner_id", payload.OwnerID)

	if e.bus != nil {
		e.bus.Publish(ev)
	}
	return ev, nil
}

// EmitError is a convenience wrapper for the common error-event shape.
func (e *Emitter) EmitError(ctx context.Context, runID int64, ownerID string, err error) {
	if _, emitErr := e.Emit(ctx, runID, models.EventError, models.EventPayload{
		OwnerID: ownerID,
		Error:   err.Error(),
	}); emitErr != nil {
		e.logger.Error("failed to emit error event", "run_id", runID, "error", emitErr)
	}
}

// MarkCriticalError raises an in-memory flag on runID that the outer
// runner consults after the ReAct loop returns. A run that would
// otherwise finish "successfully" but has a critical error flagged
// (auth failure, permanent upstream outage, classified by the tool
// name/error text predicate) is overridden to failed. The flag itself
// never touches the durable store; only the accompanying event does.
func (e *Emitter) MarkCriticalError(ctx context.Context, runID int64, ownerID, message string) {
	e.criticalMu.Lock()
	e.critical[runID] = message
	e.criticalMu.Unlock()

	if _, err := e.Emit(ctx, runID, models.EventCriticalError, models.EventPayload{
		OwnerID: ownerID,
		Error:   message,
	}); err != nil {
		e.logger.Error("failed to emit critical error event", "run_id", runID, "error", err)
	}
}

// CriticalError reports whether runID was flagged by MarkCriticalError
// and clears the flag, so the outer runner's fail-fast check consumes
// it exactly once per run.
func (e *Emitter) CriticalError(runID int64) (string, bool) {
	e.criticalMu.Lock()
	defer e.criticalMu.Unlock()
	msg, ok := e.critical[runID]
	if ok {
		delete(e.critical, runID)
	}
	return msg, ok
}

// Subscribe exposes the underlying bus subscription for an SSE handler.
func (e *Emitter) Subscribe(runID int64) (<-chan models.Event, func()) {
	return e.bus.Subscribe(runID)
}

// ListSince replays durable history for a reconnecting subscriber.
func (e *Emitter) ListSince(ctx context.Context, runID int64, afterSeq int64) ([]models.Event, error) {
	return e.store.ListSince(ctx, runID, afterSeq)
}

func redact(extra map[string]any) {
	for k := range extra {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			extra[k] = "[redacted]"
		}
	}
}
