package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

func TestEmitterAssignsMonotonicSeqPerRun(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store, NewBus(), nil)
	ctx := context.Background()

	ev1, err := emitter.Emit(ctx, 1, models.EventWorkerSpawned, models.EventPayload{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("emit 1: %v", err)
	}
	ev2, err := emitter.Emit(ctx, 1, models.EventWorkerStarted, models.EventPayload{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("emit 2: %v", err)
	}
	if ev1.Seq != 1 || ev2.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", ev1.Seq, ev2.Seq)
	}

	// A different run gets its own sequence.
	evOtherRun, err := emitter.Emit(ctx, 2, models.EventWorkerSpawned, models.EventPayload{OwnerID: "owner-2"})
	if err != nil {
		t.Fatalf("emit other run: %v", err)
	}
	if evOtherRun.Seq != 1 {
		t.Fatalf("expected independent per-run seq, got %d", evOtherRun.Seq)
	}
}

func TestEmitterRedactsSensitiveExtraKeys(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store, NewBus(), nil)

	ev, err := emitter.Emit(context.Background(), 1, models.EventWorkerToolCompleted, models.EventPayload{
		OwnerID: "owner-1",
		Extra:   map[string]any{"api_key": "sk-secret", "tool": "exec"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if ev.Payload.Extra["api_key"] != "[redacted]" {
		t.Fatalf("expected api_key to be redacted, got %v", ev.Payload.Extra["api_key"])
	}
	if ev.Payload.Extra["tool"] != "exec" {
		t.Fatalf("expected non-sensitive key untouched")
	}
}

func TestBusPublishFansOutToSubscriber(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus()
	emitter := NewEmitter(store, bus, nil)

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	if _, err := emitter.Emit(context.Background(), 1, models.EventSupervisorStarted, models.EventPayload{OwnerID: "owner-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != models.EventSupervisorStarted {
			t.Fatalf("expected supervisor_started, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEmitterListSinceCatchUp(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store, NewBus(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := emitter.Emit(ctx, 1, models.EventWorkerHeartbeat, models.EventPayload{OwnerID: "owner-1"}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	caught, err := emitter.ListSince(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(caught) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(caught))
	}
}

func TestEmitErrorDoesNotPanicOnNilEmitter(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store, NewBus(), nil)
	emitter.EmitError(context.Background(), 1, "owner-1", errors.New("boom"))

	events, err := store.ListByRun(context.Background(), 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one error event recorded, got %d err=%v", len(events), err)
	}
}
