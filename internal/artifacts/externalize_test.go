package artifacts

import (
	"context"
	"strings"
	"testing"
)

func TestMaybeExternalizeInlinesSmallOutput(t *testing.T) {
	e := NewExternalizer(mustLocalStore(t))
	content, artifact, err := e.MaybeExternalize(context.Background(), "owner-1", "exec", []byte("small output"))
	if err != nil {
		t.Fatalf("externalize: %v", err)
	}
	if artifact != nil {
		t.Fatalf("expected no artifact for small output")
	}
	if content != "small output" {
		t.Fatalf("expected inlined content, got %q", content)
	}
}

func TestMaybeExternalizeMarksLargeOutput(t *testing.T) {
	e := NewExternalizer(mustLocalStore(t))
	big := strings.Repeat("x", int(MaxInlineDataBytes)+1)

	content, artifact, err := e.MaybeExternalize(context.Background(), "owner-1", "exec", []byte(big))
	if err != nil {
		t.Fatalf("externalize: %v", err)
	}
	if artifact == nil {
		t.Fatalf("expected an artifact record for oversized output")
	}
	if !strings.HasPrefix(content, "[TOOL_OUTPUT:artifact_id=") || !strings.Contains(content, "tool=exec") {
		t.Fatalf("expected marker-formatted content, got %q", content)
	}
	if artifact.Bytes != int64(len(big)) {
		t.Fatalf("expected artifact byte count to match payload, got %d", artifact.Bytes)
	}
}

func mustLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return store
}
