package events

import "strings"

// criticalToolErrorMarkers classifies a tool error as critical when its
// message contains one of these case-insensitive substrings: auth
// failures and permanent upstream outages that no amount of retrying
// within the same run will resolve.
var criticalToolErrorMarkers = []string{
	"unauthorized",
	"authentication failed",
	"invalid api key",
	"permission denied",
	"account suspended",
	"quota exceeded",
	"service permanently unavailable",
}

// IsCriticalToolError reports whether a tool's error text should mark
// the run it belongs to for fail-fast treatment per the engine's
// critical-error predicate (spec'd over tool name + error text; this
// implementation only needs the error text so far).
func IsCriticalToolError(toolName, errText string) bool {
	_ = toolName
	lower := strings.ToLower(errText)
	for _, marker := range criticalToolErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
