// Package runlog writes structured per-run step logs as JSON lines and
// masks personally identifiable data before anything touches disk.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogFileName is the JSONL step log inside a run directory.
const LogFileName = "log.jsonl"

// MaskToken replaces every masked span.
const MaskToken = "***"

var (
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	digitRunRe  = regexp.MustCompile(`\d{4,}`)
	defaultSafe = map[string]bool{
		"runId":      true,
		"stepId":     true,
		"action":     true,
		"screenshot": true,
		"uiaTree":    true,
		"webTrace":   true,
		"har":        true,
		"video":      true,
		"strategy":   true,
		"profile":    true,
		"status":     true,
	}
)

// Record is one line in the step log.
type Record struct {
	Time       string         `json:"time"`
	RunID      string         `json:"runId"`
	StepID     string         `json:"stepId"`
	Action     string         `json:"action,omitempty"`
	Status     string         `json:"status"`
	Profile    string         `json:"profile,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Fallback   bool           `json:"fallbackUsed,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Masker rewrites string values that look like PII.
type Masker struct {
	safe   map[string]bool
	redact map[string]bool
}

// NewMasker builds a masker. Fields named in redact are always replaced,
// even when a safe-list entry would let them through.
func NewMasker(redact []string) *Masker {
	m := &Masker{safe: defaultSafe, redact: map[string]bool{}}
	for _, f := range redact {
		m.redact[f] = true
	}
	return m
}

// MaskString applies the email and long-digit-run patterns.
func (m *Masker) MaskString(s string) string {
	s = emailRe.ReplaceAllString(s, MaskToken)
	s = digitRunRe.ReplaceAllString(s, MaskToken)
	return s
}

// MaskValue masks a value in the context of the field it is stored under.
func (m *Masker) MaskValue(field string, v any) any {
	if m.redact[field] {
		return MaskToken
	}
	switch t := v.(type) {
	case string:
		if m.safe[field] {
			return t
		}
		return m.MaskString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = m.MaskValue(k, vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = m.MaskValue(field, vv)
		}
		return out
	default:
		return v
	}
}

// maskRecord masks the PII-capable fields of a record in place.
func (m *Masker) maskRecord(r *Record) {
	if m.redact["error"] {
		if r.Error != "" {
			r.Error = MaskToken
		}
	} else {
		r.Error = m.MaskString(r.Error)
	}
	if r.Extra != nil {
		masked := make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			masked[k] = m.MaskValue(k, v)
		}
		r.Extra = masked
	}
}

// Writer appends masked records to a run directory's log.jsonl.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	masker *Masker
	runID  string
}

// NewWriter opens (creating if needed) the step log for a run directory.
func NewWriter(runDir, runID string, masker *Masker) (*Writer, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open step log: %w", err)
	}
	if masker == nil {
		masker = NewMasker(nil)
	}
	return &Writer{file: f, masker: masker, runID: runID}, nil
}

// Write masks and appends one record. Timestamps and the run id are
// filled in when absent.
func (w *Writer) Write(r Record) error {
	if r.Time == "" {
		r.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if r.RunID == "" {
		r.RunID = w.runID
	}
	w.masker.maskRecord(&r)
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll parses every record from a run directory's log. Used for
// crash reports and by the CLI.
func ReadAll(runDir string) ([]Record, error) {
	data, err := os.ReadFile(filepath.Join(runDir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("parse log record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
