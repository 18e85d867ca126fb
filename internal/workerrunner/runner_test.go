package workerrunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/pkg/models"
)

type fakeProvider struct {
	responses []agent.CompletionChunk
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, len(p.responses))
	for i := range p.responses {
		c := p.responses[i]
		ch <- &c
	}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Name() string         { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return true }

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "echoed"}, nil
}

func newTestJob() *models.WorkerJob {
	return &models.WorkerJob{ID: "job-1", Owner: "owner-1", SupervisorRunID: 1, ToolCallID: "tc1", Task: "say hello"}
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	dir := t.TempDir()
	store := jobs.NewMemoryStore()
	job := newTestJob()
	if _, _, err := store.CreateOrReuse(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.FlipCreatedToQueued(context.Background(), []string{job.ID}); err != nil {
		t.Fatalf("flip to queued: %v", err)
	}

	provider := &fakeProvider{responses: []agent.CompletionChunk{{Text: "hello there", Done: true}}}
	registry := agent.NewToolRegistry()
	registry.Register(echoTool{})

	runner := NewRunner(store, provider, registry, dir, nil, nil)
	ran, err := runner.RunOne(context.Background())
	if err != nil {
		t.Fatalf("run one: %v", err)
	}
	if !ran {
		t.Fatalf("expected a queued job to run")
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.WorkerJobSuccess {
		t.Fatalf("expected success, got %s (error=%s)", got.Status, got.Error)
	}
	if got.Result != "hello there" {
		t.Fatalf("expected worker result propagated, got %q", got.Result)
	}
}

func TestRunOneReturnsFalseWhenQueueEmpty(t *testing.T) {
	dir := t.TempDir()
	store := jobs.NewMemoryStore()
	registry := agent.NewToolRegistry()
	runner := NewRunner(store, &fakeProvider{}, registry, dir, nil, nil)

	ran, err := runner.RunOne(context.Background())
	if err != nil {
		t.Fatalf("run one: %v", err)
	}
	if ran {
		t.Fatalf("expected no work to run on an empty queue")
	}
}
