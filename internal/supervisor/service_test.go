package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/internal/runs"
	"github.com/relayforge/orchestrator/internal/threads"
	"github.com/relayforge/orchestrator/pkg/models"
)

// gatedProvider blocks inside Complete until release is closed, letting a
// test force advance's shield timeout to fire before the turn finishes.
type gatedProvider struct {
	release   chan struct{}
	responses []agent.CompletionChunk
}

func (p *gatedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	<-p.release
	ch := make(chan *agent.CompletionChunk, len(p.responses))
	for i := range p.responses {
		c := p.responses[i]
		ch <- &c
	}
	close(ch)
	return ch, nil
}
func (p *gatedProvider) Name() string         { return "gated" }
func (p *gatedProvider) Models() []agent.Model { return nil }
func (p *gatedProvider) SupportsTools() bool   { return true }

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.EventType
}

func (e *recordingEmitter) Emit(ctx context.Context, runID int64, eventType models.EventType, payload models.EventPayload) (models.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
	return models.Event{RunID: runID, Type: eventType}, nil
}

func (e *recordingEmitter) has(t models.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.events {
		if got == t {
			return true
		}
	}
	return false
}

func newTestService(provider agent.LLMProvider, emitter EventEmitter, cfg Config) (*Service, runs.Store) {
	runStore := runs.NewMemoryStore()
	threadStore := threads.NewMemoryStore()
	jobStore := jobs.NewMemoryStore()
	barrierStore := barrier.NewMemoryStore()
	registry := agent.NewToolRegistry()
	svc := New(runStore, threadStore, jobStore, barrierStore, provider, registry, emitter, cfg, nil)
	return svc, runStore
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandleUserMessageSucceedsWithoutTimeout(t *testing.T) {
	provider := &gatedProvider{release: make(chan struct{}), responses: []agent.CompletionChunk{{Text: "done", Done: true}}}
	close(provider.release)
	emitter := &recordingEmitter{}
	cfg := DefaultConfig()
	cfg.RunTimeout = time.Second

	svc, runStore := newTestService(provider, emitter, cfg)
	run, err := svc.HandleUserMessage(context.Background(), "owner-1", "agent-1", "do something")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := runStore.Get(context.Background(), run.ID)
		return err == nil && got.Status == models.RunStatusSuccess
	})
	if emitter.has(models.EventSupervisorDeferred) {
		t.Error("should not have deferred a fast turn")
	}
}

func TestHandleUserMessageDefersOnSlowTurnThenSettles(t *testing.T) {
	provider := &gatedProvider{release: make(chan struct{}), responses: []agent.CompletionChunk{{Text: "finally done", Done: true}}}
	emitter := &recordingEmitter{}
	cfg := DefaultConfig()
	cfg.RunTimeout = 20 * time.Millisecond

	svc, runStore := newTestService(provider, emitter, cfg)
	run, err := svc.HandleUserMessage(context.Background(), "owner-1", "agent-1", "do something slow")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := runStore.Get(context.Background(), run.ID)
		return err == nil && got.Status == models.RunStatusDeferred
	})
	if !emitter.has(models.EventSupervisorDeferred) {
		t.Error("expected a supervisor_deferred event")
	}

	close(provider.release)

	waitFor(t, time.Second, func() bool {
		got, err := runStore.Get(context.Background(), run.ID)
		return err == nil && got.Status == models.RunStatusSuccess
	})
}

func TestContinueDeferredCreatesIdempotentContinuation(t *testing.T) {
	provider := &gatedProvider{release: make(chan struct{})}
	emitter := &recordingEmitter{}
	cfg := DefaultConfig()

	svc, runStore := newTestService(provider, emitter, cfg)
	parent := &models.Run{Owner: "owner-1", ThreadID: "thread-1", Status: models.RunStatusDeferred, Trigger: models.RunTriggerUser}
	if err := runStore.Create(context.Background(), parent); err != nil {
		t.Fatalf("create parent run: %v", err)
	}
	if err := runStore.UpdateStatus(context.Background(), parent.ID, models.RunStatusDeferred, nil); err != nil {
		t.Fatalf("mark parent deferred: %v", err)
	}
	close(provider.release)

	first, err := svc.ContinueDeferred(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("ContinueDeferred: %v", err)
	}
	if first.Trigger != models.RunTriggerContinuation {
		t.Errorf("Trigger = %q, want continuation", first.Trigger)
	}

	second, err := svc.ContinueDeferred(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("ContinueDeferred second call: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected idempotent continuation reuse, got distinct ids %d vs %d", second.ID, first.ID)
	}
}
