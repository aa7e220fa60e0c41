// Package audit records the reason/act/observe/summary steps agents take
// while working a task. Entries are append-only; a write that keeps failing
// is reported as AUDIT_WRITE_FAILED but never undoes the step it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
)

// Backend is the durable side of the trail. *persistence.Store satisfies it.
type Backend interface {
	InsertAuditEntry(ctx context.Context, e *persistence.AuditEntry) error
	AuditEntriesForSession(ctx context.Context, sessionID string) ([]persistence.AuditEntry, error)
}

// Entry is one step as reported by the caller.
type Entry struct {
	SessionID string
	TaskID    string
	Agent     string
	StepType  persistence.StepType
	ToolName  string
	Content   string
	Success   bool
	Duration  time.Duration
	Iteration int
}

type Config struct {
	Backend Backend
	Logger  *slog.Logger
	// MaxAttempts bounds writes per entry. Default 3.
	MaxAttempts int
	// BaseDelay is the first backoff, doubled per retry. Default 25ms.
	BaseDelay time.Duration
	// MirrorPath, when set, also appends every entry to a JSONL file.
	MirrorPath string
	// OnWriteFailure is called once per entry that could not be persisted.
	OnWriteFailure func(ctx context.Context)
}

type Trail struct {
	backend     Backend
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	onFailure   func(ctx context.Context)
	now         func() time.Time
	failures    atomic.Int64

	mu     sync.Mutex
	mirror *os.File
}

type mirrorLine struct {
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	TaskID     string `json:"task_id,omitempty"`
	Agent      string `json:"agent"`
	StepType   string `json:"step_type"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Iteration  int    `json:"iteration"`
	Persisted  bool   `json:"persisted"`
}

// DefaultMirrorPath is <home>/logs/audit.jsonl.
func DefaultMirrorPath(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func New(cfg Config) (*Trail, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("audit backend is required")
	}
	t := &Trail{
		backend:     cfg.Backend,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		onFailure:   cfg.OnWriteFailure,
		now:         time.Now,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = 3
	}
	if t.baseDelay <= 0 {
		t.baseDelay = 25 * time.Millisecond
	}
	if cfg.MirrorPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.MirrorPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit mirror dir: %w", err)
		}
		f, err := os.OpenFile(cfg.MirrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit mirror: %w", err)
		}
		t.mirror = f
	}
	return t, nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mirror == nil {
		return nil
	}
	err := t.mirror.Close()
	t.mirror = nil
	return err
}

// Failures is the number of entries that exhausted their retries.
func (t *Trail) Failures() int64 {
	return t.failures.Load()
}

func validate(e Entry) error {
	if strings.TrimSpace(e.SessionID) == "" {
		return apperr.New(apperr.CodeValidation, "audit entry needs a session id")
	}
	if strings.TrimSpace(e.Agent) == "" {
		return apperr.New(apperr.CodeValidation, "audit entry needs an agent")
	}
	if !e.StepType.Valid() {
		return apperr.Newf(apperr.CodeValidation, "unknown step type %q", e.StepType)
	}
	return nil
}

// Append persists one step. The creation time is taken when Append is
// called, so retried writes keep their place in the session order.
func (t *Trail) Append(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	row := &persistence.AuditEntry{
		SessionID:  e.SessionID,
		TaskID:     e.TaskID,
		Agent:      e.Agent,
		StepType:   e.StepType,
		ToolName:   e.ToolName,
		Content:    shared.Redact(e.Content),
		Success:    e.Success,
		DurationMS: e.Duration.Milliseconds(),
		Iteration:  e.Iteration,
		CreatedAt:  t.now().UTC(),
	}

	var err error
	delay := t.baseDelay
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		row.ID = 0
		if err = t.backend.InsertAuditEntry(ctx, row); err == nil {
			break
		}
		if !apperr.IsRetryable(err) || attempt == t.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = t.maxAttempts
		case <-time.After(delay):
			delay *= 2
		}
	}
	t.writeMirror(row, err == nil)
	if err == nil {
		return nil
	}

	t.failures.Add(1)
	if t.onFailure != nil {
		t.onFailure(ctx)
	}
	t.logger.Warn("audit write failed",
		"session_id", e.SessionID,
		"task_id", e.TaskID,
		"agent", e.Agent,
		"step_type", string(e.StepType),
		"error", err,
	)
	return apperr.Wrap(apperr.CodeAuditWriteFailed, err, "append audit entry",
		apperr.WithMetadata("session_id", e.SessionID))
}

func (t *Trail) writeMirror(row *persistence.AuditEntry, persisted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mirror == nil {
		return
	}
	b, err := json.Marshal(mirrorLine{
		Timestamp:  row.CreatedAt.Format(time.RFC3339Nano),
		SessionID:  row.SessionID,
		TaskID:     row.TaskID,
		Agent:      row.Agent,
		StepType:   string(row.StepType),
		ToolName:   row.ToolName,
		Content:    row.Content,
		Success:    row.Success,
		DurationMS: row.DurationMS,
		Iteration:  row.Iteration,
		Persisted:  persisted,
	})
	if err != nil {
		return
	}
	_, _ = t.mirror.Write(append(b, '\n'))
}

// EntriesForSession returns a session's steps in the order they were taken.
func (t *Trail) EntriesForSession(ctx context.Context, sessionID string) ([]persistence.AuditEntry, error) {
	return t.backend.AuditEntriesForSession(ctx, sessionID)
}
