package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/relayforge/orchestrator/internal/toolkit"
	"github.com/relayforge/orchestrator/internal/tools/policy"
	"github.com/relayforge/orchestrator/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found or parameters are invalid.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	// Validate tool name
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}

	// Validate params size
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// All returns every registered tool, matching the registry contract's
// all() entrypoint. It is an alias for AsLLMTools kept for callers that
// read the tool list rather than hand it to a provider.
func (r *ToolRegistry) All() []Tool {
	return r.AsLLMTools()
}

// Filter returns the registered tools whose name matches at least one
// allowlist pattern (exact name or prefix*). A nil or empty allowlist
// returns every tool.
func (r *ToolRegistry) Filter(allowlist []string) []Tool {
	return toolkit.Filter(r.All(), allowlist)
}

// Resolve looks up a tool by exact name, failing with the registry
// contract's typed UnknownTool error rather than a bare boolean.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &toolkit.UnknownToolError{Name: name}
	}
	return t, nil
}

// stubbedTool overrides a tool's Execute with a short-circuit function
// while keeping its advertised name/description/schema, so an LLM
// transcript recorded against the stub still matches the real tool's
// contract.
type stubbedTool struct {
	Tool
	fn func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (s stubbedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return s.fn(ctx, params)
}

// RegistryStub names a tool to short-circuit and the function that
// should answer calls to it instead of the tool's own Execute.
type RegistryStub struct {
	Name    string
	Matcher func(name string) bool
	Fn      func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// WithStubs returns a new registry where the named tools resolve to
// stand-ins instead of their real Execute. Stubbing is rejected unless
// testMode is true, so a test-only override can never reach a
// production resolution path, and naming a tool that does not exist in
// r fails with UnknownToolError.
func (r *ToolRegistry) WithStubs(testMode bool, stubs ...RegistryStub) (*ToolRegistry, error) {
	if len(stubs) == 0 {
		return r, nil
	}
	resolve, err := toolkit.WithStubs[Tool](registryLookup{r}, testMode, toStubSpecs(r, stubs))
	if err != nil {
		return nil, err
	}
	out := NewToolRegistry()
	for _, t := range r.All() {
		out.Register(t)
	}
	for _, s := range stubs {
		resolved, err := resolve(s.Name)
		if err != nil {
			return nil, err
		}
		out.Register(resolved)
	}
	return out, nil
}

func toStubSpecs(r *ToolRegistry, stubs []RegistryStub) []toolkit.Stub[Tool] {
	specs := make([]toolkit.Stub[Tool], 0, len(stubs))
	for _, s := range stubs {
		base, _ := r.Get(s.Name)
		specs = append(specs, toolkit.Stub[Tool]{
			Name:    s.Name,
			Matcher: s.Matcher,
			Tool:    stubbedTool{Tool: base, fn: s.Fn},
		})
	}
	return specs
}

// registryLookup adapts ToolRegistry to toolkit.Lookup[Tool].
type registryLookup struct{ r *ToolRegistry }

func (l registryLookup) Get(name string) (Tool, bool) { return l.r.Get(name) }
func (l registryLookup) All() []Tool                  { return l.r.All() }

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Runtime) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	r.sessionLocksMu.Lock()
	lock := r.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		r.sessionLocks[sessionID] = lock
	}
	lock.refs++
	r.sessionLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.sessionLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(r.sessionLocks, sessionID)
		}
		r.sessionLocksMu.Unlock()
	}
}
