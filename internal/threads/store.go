// Package threads persists Thread and ThreadMessage rows: the ordered
// conversation a supervisor or worker run operates over. It is the
// message-history half of what internal/runs tracks as run state.
package threads

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/orchestrator/pkg/models"
)

// ErrNotFound is returned when a thread lookup misses.
var ErrNotFound = errors.New("thread not found")

// Store persists threads and their messages.
type Store interface {
	// GetOrCreate returns the thread for (owner, agentID, kind), creating
	// it on first use. A supervisor has exactly one thread per owner;
	// workers get a fresh one per job.
	GetOrCreate(ctx context.Context, owner, agentID string, kind models.ThreadKind) (*models.Thread, error)

	// Append adds msg to threadID, assigning it an id and a monotonic seq
	// if unset.
	Append(ctx context.Context, threadID string, msg *models.ThreadMessage) error

	// AppendToolReply persists a tool-role reply for toolCallID, grouped
	// under the most recent assistant message in the thread that issued a
	// matching tool call. If no such assistant message can be found, the
	// reply is persisted instead as an internal user-role notification
	// (see the invariant on models.ThreadMessage).
	AppendToolReply(ctx context.Context, threadID, toolCallID, name, content string) error

	// List returns the thread's messages in seq order, optionally limited
	// to the most recent n (n <= 0 means unlimited).
	List(ctx context.Context, threadID string, n int) ([]*models.ThreadMessage, error)

	// PruneSystemNotices deletes internal system-role messages tagged with
	// marker in threadID older than keepNewerThan, keeping at most the
	// single newest one regardless of age. Used to clean up stale "recent
	// worker context" notices a prior run inserted.
	PruneSystemNotices(ctx context.Context, threadID, marker string, keepNewerThan time.Duration) error
}

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]*models.Thread
	byOwner  map[string]string // owner|agentID|kind -> thread id
	messages map[string][]*models.ThreadMessage
	nextSeq  map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		byOwner:  make(map[string]string),
		messages: make(map[string][]*models.ThreadMessage),
		nextSeq:  make(map[string]int64),
	}
}

func ownerKey(owner, agentID string, kind models.ThreadKind) string {
	return owner + "|" + agentID + "|" + string(kind)
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, owner, agentID string, kind models.ThreadKind) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(owner, agentID, kind)
	if id, ok := s.byOwner[key]; ok {
		clone := *s.threads[id]
		return &clone, nil
	}

	t := &models.Thread{
		ID:        uuid.NewString(),
		Owner:     owner,
		AgentID:   agentID,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	s.threads[t.ID] = t
	s.byOwner[key] = t.ID
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) Append(ctx context.Context, threadID string, msg *models.ThreadMessage) error {
	if msg == nil {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	s.nextSeq[threadID]++
	msg.Seq = s.nextSeq[threadID]
	msg.ThreadID = threadID
	s.messages[threadID] = append(s.messages[threadID], cloneMessage(msg))
	return nil
}

func (s *MemoryStore) AppendToolReply(ctx context.Context, threadID, toolCallID, name, content string) error {
	s.mu.Lock()
	parentID, internal := "", false
	for i := len(s.messages[threadID]) - 1; i >= 0; i-- {
		m := s.messages[threadID][i]
		if m.Role != models.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				parentID = m.ID
				break
			}
		}
		if parentID != "" {
			break
		}
	}
	if parentID == "" {
		internal = true
	}
	s.mu.Unlock()

	msg := &models.ThreadMessage{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       name,
		ParentID:   parentID,
		Internal:   internal,
	}
	if internal {
		// No matching assistant tool call: fall back to a visible
		// user-role notification rather than an orphaned tool reply.
		msg.Role = models.RoleUser
		msg.ToolCallID = ""
		msg.Name = ""
		msg.Content = "[" + name + "] " + content
	}
	return s.Append(ctx, threadID, msg)
}

func (s *MemoryStore) List(ctx context.Context, threadID string, n int) ([]*models.ThreadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, ok := s.messages[threadID]
	if !ok {
		if _, exists := s.threads[threadID]; !exists {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]*models.ThreadMessage, len(all))
	for i, m := range all {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) PruneSystemNotices(ctx context.Context, threadID, marker string, keepNewerThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, ok := s.messages[threadID]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-keepNewerThan)
	var newest *models.ThreadMessage
	for _, m := range all {
		if m.Role != models.RoleSystem || !containsMarker(m.Content, marker) {
			continue
		}
		if newest == nil || m.SentAt.After(newest.SentAt) {
			newest = m
		}
	}

	kept := all[:0:0]
	for _, m := range all {
		if m.Role == models.RoleSystem && containsMarker(m.Content, marker) {
			if m == newest && m.SentAt.After(cutoff) {
				kept = append(kept, m)
			}
			continue
		}
		kept = append(kept, m)
	}
	s.messages[threadID] = kept
	return nil
}

func containsMarker(content, marker string) bool {
	return marker != "" && strings.Contains(content, marker)
}

func cloneMessage(m *models.ThreadMessage) *models.ThreadMessage {
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = append([]models.ThreadToolCall(nil), m.ToolCalls...)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
