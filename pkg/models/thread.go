package models

import "time"

// ThreadKind distinguishes the long-lived supervisor thread from the
// transient threads created per worker.
type ThreadKind string

const (
	ThreadKindSupervisor ThreadKind = "super"
	ThreadKindWorker     ThreadKind = "manual"
)

// Thread is an ordered sequence of messages belonging to one owner+agent.
type Thread struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	AgentID   string     `json:"agent_id"`
	Kind      ThreadKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
}

// ThreadToolCall is a single tool invocation requested on an assistant
// ThreadMessage.
type ThreadToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// ThreadMessage is one persisted message in a Thread.
//
// Invariant: a tool-role message whose ParentID points at an assistant
// message in the same thread must carry a ToolCallID matching one of that
// assistant message's ToolCalls. If no such linkage can be made at persist
// time, the caller must store the reply as an internal user-role
// notification instead (see internal/runs.AppendToolReply).
type ThreadMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolCalls []ThreadToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool-role replies.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`

	// ParentID groups a tool reply under the assistant message that issued
	// the corresponding tool call.
	ParentID string `json:"parent_id,omitempty"`

	Processed bool           `json:"processed"`
	Internal  bool           `json:"internal"`
	SentAt    time.Time      `json:"sent_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Usage captures token accounting for one or more LLM invocations.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates u2 into u in place.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.ReasoningTokens += u2.ReasoningTokens
	u.TotalTokens += u2.TotalTokens
}
