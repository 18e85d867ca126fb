package subagent

import "fmt"

// FormatDurationShort renders a worker job's runtime the way its status
// line reports it: "2h3m", "4m5s", or "12s", with no narrower unit than
// whichever the duration clears.
func FormatDurationShort(seconds int) string {
	if seconds <= 0 {
		return "n/a"
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
