package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// flakyBackend fails the first n inserts with a retryable storage error.
type flakyBackend struct {
	mu    sync.Mutex
	fail  int
	calls int
	rows  []persistence.AuditEntry
}

func (f *flakyBackend) InsertAuditEntry(_ context.Context, e *persistence.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return apperr.New(apperr.CodeStorage, "database is locked")
	}
	f.rows = append(f.rows, *e)
	return nil
}

func (f *flakyBackend) AuditEntriesForSession(context.Context, string) ([]persistence.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persistence.AuditEntry(nil), f.rows...), nil
}

func TestTrail_AppendAndReadInOrder(t *testing.T) {
	store := openStore(t)
	trail, err := audit.New(audit.Config{Backend: store})
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	ctx := context.Background()
	steps := []persistence.StepType{persistence.StepReason, persistence.StepAct, persistence.StepObserve, persistence.StepSummary}
	for i, step := range steps {
		if err := trail.Append(ctx, audit.Entry{SessionID: "s1", Agent: "lead", StepType: step, Iteration: i, Success: true}); err != nil {
			t.Fatalf("append %s: %v", step, err)
		}
	}
	got, err := trail.EntriesForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("expected %d entries, got %d", len(steps), len(got))
	}
	for i, e := range got {
		if e.StepType != steps[i] {
			t.Fatalf("entry %d: got %s want %s", i, e.StepType, steps[i])
		}
	}
}

func TestTrail_RetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{fail: 2}
	trail, err := audit.New(audit.Config{Backend: backend, MaxAttempts: 3, BaseDelay: 1})
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	if err := trail.Append(context.Background(), audit.Entry{SessionID: "s1", Agent: "a", StepType: persistence.StepAct}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if backend.calls != 3 || len(backend.rows) != 1 {
		t.Fatalf("calls=%d rows=%d", backend.calls, len(backend.rows))
	}
	if trail.Failures() != 0 {
		t.Fatalf("no failure expected")
	}
}

func TestTrail_ExhaustedRetriesAreNonFatalWarning(t *testing.T) {
	backend := &flakyBackend{fail: 100}
	var hooked int
	trail, err := audit.New(audit.Config{
		Backend:        backend,
		MaxAttempts:    3,
		BaseDelay:      1,
		OnWriteFailure: func(context.Context) { hooked++ },
	})
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	err = trail.Append(context.Background(), audit.Entry{SessionID: "s1", Agent: "a", StepType: persistence.StepAct})
	if !errors.Is(err, apperr.ErrAuditWriteFailed) {
		t.Fatalf("expected AUDIT_WRITE_FAILED, got %v", err)
	}
	if backend.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.calls)
	}
	if trail.Failures() != 1 || hooked != 1 {
		t.Fatalf("failure not counted: failures=%d hooked=%d", trail.Failures(), hooked)
	}
}

func TestTrail_RejectsInvalidEntries(t *testing.T) {
	trail, _ := audit.New(audit.Config{Backend: &flakyBackend{}})
	ctx := context.Background()
	for _, e := range []audit.Entry{
		{Agent: "a", StepType: persistence.StepAct},
		{SessionID: "s", StepType: persistence.StepAct},
		{SessionID: "s", Agent: "a", StepType: "dream"},
	} {
		if err := trail.Append(ctx, e); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("entry %+v: expected VALIDATION_ERROR, got %v", e, err)
		}
	}
}

func TestTrail_RedactsAndMirrors(t *testing.T) {
	home := t.TempDir()
	backend := &flakyBackend{}
	mirror := audit.DefaultMirrorPath(home)
	trail, err := audit.New(audit.Config{Backend: backend, MirrorPath: mirror})
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	secret := "calling with api_key=supersecretvalue123"
	if err := trail.Append(context.Background(), audit.Entry{SessionID: "s1", Agent: "a", StepType: persistence.StepAct, Content: secret}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if strings.Contains(backend.rows[0].Content, "supersecretvalue123") {
		t.Fatalf("secret persisted: %q", backend.rows[0].Content)
	}

	raw, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line); err != nil {
		t.Fatalf("decode mirror line: %v", err)
	}
	if line["session_id"] != "s1" || line["persisted"] != true {
		t.Fatalf("unexpected mirror line %v", line)
	}
	if strings.Contains(string(raw), "supersecretvalue123") {
		t.Fatalf("secret mirrored")
	}
}
