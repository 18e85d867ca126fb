package toolkit

import (
	"fmt"
	"strings"
)

// Named is the minimal surface a registry entry must expose: its
// lookup key. Kept separate from agent.Tool so this package stays free
// of a dependency on internal/agent.
type Named interface {
	Name() string
}

// UnknownToolError is the failure mode for a resolver lookup (plain
// Get, an allowlist filter, or a with_stubs override) that names a
// tool the registry does not know about.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// MatchPattern reports whether name satisfies pattern. A pattern is
// either an exact tool name or a prefix* wildcard.
func MatchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// MatchAllowlist reports whether name matches at least one pattern in
// the allowlist.
func MatchAllowlist(allowlist []string, name string) bool {
	for _, pattern := range allowlist {
		if MatchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// Filter returns the subset of tools whose name matches the allowlist.
// A nil or empty allowlist is "no restriction" and returns every tool
// unchanged, matching the registry contract's filter(allowlist?).
func Filter[T Named](tools []T, allowlist []string) []T {
	if len(allowlist) == 0 {
		return tools
	}
	out := make([]T, 0, len(tools))
	for _, t := range tools {
		if MatchAllowlist(allowlist, t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// Lookup is what a with_stubs resolver wraps: a way to find a tool by
// exact name and to enumerate every registered tool.
type Lookup[T Named] interface {
	Get(name string) (T, bool)
	All() []T
}

// Stub short-circuits a named tool's resolution. Matcher decides
// whether a given call should be stubbed at all; when it returns
// false the resolver falls through to the underlying registry.
type Stub[T Named] struct {
	Name    string
	Matcher func(name string) bool
	Tool    T
}

// WithStubs builds a resolver function that overrides selected tools
// from base with stand-ins, for use in tests that need to short-circuit
// a real tool's side effects. Stubbing is permitted only when testMode
// is set; otherwise construction is rejected outright so a stub can
// never leak into a production resolution path. An unknown stub name,
// or a lookup for a name neither stubbed nor present in base, fails
// with UnknownToolError.
func WithStubs[T Named](base Lookup[T], testMode bool, stubs []Stub[T]) (func(name string) (T, error), error) {
	var zero T
	if len(stubs) > 0 && !testMode {
		return nil, fmt.Errorf("toolkit: stubs require test mode")
	}
	for _, s := range stubs {
		if _, ok := base.Get(s.Name); !ok {
			return nil, &UnknownToolError{Name: s.Name}
		}
	}
	resolve := func(name string) (T, error) {
		for _, s := range stubs {
			matches := s.Name == name
			if s.Matcher != nil {
				matches = s.Matcher(name)
			}
			if matches {
				return s.Tool, nil
			}
		}
		t, ok := base.Get(name)
		if !ok {
			return zero, &UnknownToolError{Name: name}
		}
		return t, nil
	}
	return resolve, nil
}
