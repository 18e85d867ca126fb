package threads

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/orchestrator/pkg/models"
)

func TestGetOrCreateIsIdempotentPerOwnerAgentKind(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same thread, got %s vs %s", first.ID, second.ID)
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	th, _ := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)

	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, th.ID, &models.ThreadMessage{Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := store.List(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, m.Seq)
		}
	}
}

func TestAppendToolReplyGroupsUnderIssuingAssistantMessage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	th, _ := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)

	assistant := &models.ThreadMessage{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ThreadToolCall{{ID: "tc1", Name: "spawn_worker", Args: "{}"}},
	}
	if err := store.Append(ctx, th.ID, assistant); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	if err := store.AppendToolReply(ctx, th.ID, "tc1", "spawn_worker", "Worker completed:\n\ndone"); err != nil {
		t.Fatalf("append tool reply: %v", err)
	}

	msgs, _ := store.List(ctx, th.ID, 0)
	reply := msgs[len(msgs)-1]
	if reply.Role != models.RoleTool {
		t.Fatalf("expected a tool-role reply, got %s", reply.Role)
	}
	if reply.ParentID != assistant.ID {
		t.Fatalf("expected reply parented under the issuing assistant message, got %q", reply.ParentID)
	}
}

func TestAppendToolReplyFallsBackToInternalNoticeWhenNoMatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	th, _ := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)

	if err := store.AppendToolReply(ctx, th.ID, "unknown-tc", "spawn_worker", "Worker completed:\n\ndone"); err != nil {
		t.Fatalf("append tool reply: %v", err)
	}

	msgs, _ := store.List(ctx, th.ID, 0)
	reply := msgs[len(msgs)-1]
	if reply.Role != models.RoleUser || !reply.Internal {
		t.Fatalf("expected an internal user-role notification, got role=%s internal=%v", reply.Role, reply.Internal)
	}
}

func TestPruneSystemNoticesKeepsOnlyNewestWithinWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	th, _ := store.GetOrCreate(ctx, "owner-1", "agent-1", models.ThreadKindSupervisor)

	old := &models.ThreadMessage{Role: models.RoleSystem, Content: "[recent-workers] stale", SentAt: time.Now().Add(-time.Hour)}
	store.messages[th.ID] = append(store.messages[th.ID], old)
	if err := store.Append(ctx, th.ID, &models.ThreadMessage{Role: models.RoleSystem, Content: "[recent-workers] fresh"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.PruneSystemNotices(ctx, th.ID, "[recent-workers]", 5*time.Second); err != nil {
		t.Fatalf("prune: %v", err)
	}

	msgs, _ := store.List(ctx, th.ID, 0)
	count := 0
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one surviving system notice, got %d", count)
	}
}
