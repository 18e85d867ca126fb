package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Bundle is the on-disk evidence trail for a single worker's lifetime:
// config, status, the full transcript, one file per tool call, the final
// result, a compressed summary, periodic monitoring snapshots, and a
// metrics log. Writes are append-only within a bundle's lifetime; callers
// must not reopen a bundle for a different worker_id.
type Bundle struct {
	mu       sync.Mutex
	dir      string
	workerID string
	owner    string
	nextCall int
}

// OpenBundle creates (or reopens, for re-interrupt resume) the directory
// structure for a worker under basePath/<owner>/<worker_id>/.
func OpenBundle(basePath, owner, workerID string) (*Bundle, error) {
	dir := filepath.Join(basePath, owner, workerID)
	if err := os.MkdirAll(filepath.Join(dir, "tool_calls"), 0755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "monitoring"), 0755); err != nil {
		return nil, fmt.Errorf("create monitoring directory: %w", err)
	}
	return &Bundle{dir: dir, workerID: workerID, owner: owner}, nil
}

// Dir returns the bundle's root directory, for readers that expand an
// evidence marker into a listing.
func (b *Bundle) Dir() string {
	return b.dir
}

// WriteConfig records the task and run configuration the worker started with.
func (b *Bundle) WriteConfig(task string, config models.WorkerConfig, model, reasoningEffort string) error {
	return writeJSONAtomic(filepath.Join(b.dir, "config.json"), map[string]any{
		"task":             task,
		"config":           config,
		"model":            model,
		"reasoning_effort": reasoningEffort,
		"worker_id":        b.workerID,
	})
}

// WriteStatus records the worker's current system status. Called at least
// on start and on terminal completion; the summary must be written only
// after this marks a terminal status, per the runner's ordering invariant.
func (b *Bundle) WriteStatus(status string, startedAt time.Time, finishedAt *time.Time, errMsg string) error {
	payload := map[string]any{
		"status":     status,
		"started_at": startedAt,
		"error":      errMsg,
	}
	if finishedAt != nil {
		payload["finished_at"] = *finishedAt
	}
	return writeJSONAtomic(filepath.Join(b.dir, "status.json"), payload)
}

// AppendMessage appends one conversation message (including runtime-injected
// system/context messages) to the transcript log.
func (b *Bundle) AppendMessage(msg models.ThreadMessage) error {
	return appendJSONL(filepath.Join(b.dir, "messages.jsonl"), msg)
}

// AppendMetric appends one metrics record, flushed at the end of a worker run.
func (b *Bundle) AppendMetric(metric map[string]any) error {
	return appendJSONL(filepath.Join(b.dir, "metrics.jsonl"), metric)
}

// WriteToolCall persists one tool invocation's serialized output as the next
// zero-padded, monotonically numbered file in tool_calls/, and returns its
// sequence number and path.
func (b *Bundle) WriteToolCall(toolName string, data []byte) (seq int, path string, err error) {
	b.mu.Lock()
	b.nextCall++
	seq = b.nextCall
	b.mu.Unlock()

	filename := fmt.Sprintf("%03d_%s.txt", seq, safeFilenameComponent(toolName))
	path = filepath.Join(b.dir, "tool_calls", filename)
	if err := writeFileAtomic(path, data); err != nil {
		return seq, "", fmt.Errorf("write tool call %d: %w", seq, err)
	}
	return seq, path, nil
}

// WriteResult persists the worker's final result text: the last assistant
// message, a synthesized fallback from recent tool outputs, or the fixed
// placeholder when nothing was produced.
func (b *Bundle) WriteResult(text string) error {
	return writeFileAtomic(filepath.Join(b.dir, "result.txt"), []byte(text))
}

// NoResultPlaceholder is written when a worker produces neither an assistant
// message nor any tool output to synthesize a fallback from.
const NoResultPlaceholder = "(No result generated)"

// WriteSummary persists the compressed (<=150 char) summary and its
// provenance. Must be called after WriteStatus marks a terminal status.
func (b *Bundle) WriteSummary(summary string, provenance string) error {
	return writeJSONAtomic(filepath.Join(b.dir, "summary.json"), map[string]any{
		"summary":    summary,
		"provenance": provenance,
	})
}

// WriteMonitoringSnapshot appends one periodic Roundabout Monitor status
// snapshot to monitoring/check_<seq>.json.
func (b *Bundle) WriteMonitoringSnapshot(seq int, snapshot any) error {
	filename := fmt.Sprintf("check_%04d.json", seq)
	return writeJSONAtomic(filepath.Join(b.dir, "monitoring", filename), snapshot)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func safeFilenameComponent(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "tool"
	}
	return string(out)
}
