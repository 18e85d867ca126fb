package roundabout

import (
	"fmt"
	"strings"
)

// EvidenceMarker returns the fixed-format provenance marker a supervisor
// can use to pull up a worker's full bundle.
func EvidenceMarker(runID int64, jobID, workerID string) string {
	return fmt.Sprintf("[EVIDENCE:run_id=%d,job_id=%s,worker_id=%s]", runID, jobID, workerID)
}

// FormatResult renders the text a supervisor sees in its tool result after
// a worker job terminates or the monitor gives up watching it. The shape
// mirrors the system this was distilled from: a status line, the
// worker's own result or error, an optional tool index, and a trailing
// evidence marker.
func FormatResult(r Result) string {
	var b strings.Builder

	switch r.Status {
	case "complete":
		fmt.Fprintf(&b, "Worker completed in %.1fs.\n\n", r.Duration.Seconds())
		if r.Result != "" {
			b.WriteString(r.Result)
		} else {
			b.WriteString("(No result generated)")
		}
	case "failed":
		fmt.Fprintf(&b, "Worker failed after %.1fs: %s", r.Duration.Seconds(), r.Error)
	case "early_exit":
		fmt.Fprintf(&b, "Monitoring ended early after %.1fs (%s). %s\n", r.Duration.Seconds(), r.Decision, r.Summary)
		if r.WorkerStillRunning {
			b.WriteString("The worker is still running in the background; its bundle will hold the final result.\n")
		}
	case "cancelled":
		fmt.Fprintf(&b, "Worker cancelled after %.1fs: %s", r.Duration.Seconds(), r.Error)
	case "monitor_timeout":
		fmt.Fprintf(&b, "Stopped watching after %.0fs (hard timeout). %s\n", r.Duration.Seconds(), r.Error)
		if r.WorkerStillRunning {
			b.WriteString("The worker may still be running; check its bundle for the eventual outcome.\n")
		}
	case "peek":
		fmt.Fprintf(&b, "Peek after %.1fs: %s\n%s\n", r.Duration.Seconds(), r.Summary, r.DrillDownHint)
	default:
		fmt.Fprintf(&b, "Monitoring ended (%s) after %.1fs.", r.Status, r.Duration.Seconds())
	}

	if len(r.ToolIndex) > 0 {
		b.WriteString("\n\nTool index:\n")
		for _, entry := range r.ToolIndex {
			status := "ok"
			if entry.Failed {
				status = "failed"
			}
			exitDesc := ""
			if entry.ExitCode != nil {
				exitDesc = fmt.Sprintf(" exit=%d", *entry.ExitCode)
			}
			fmt.Fprintf(&b, "  %03d %s %s%s (%d bytes)\n", entry.Sequence, entry.ToolName, status, exitDesc, entry.OutputBytes)
		}
	}

	b.WriteString("\n")
	b.WriteString(EvidenceMarker(r.RunID, r.JobID, r.WorkerID))
	return b.String()
}
