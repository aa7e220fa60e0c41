package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/queue"
)

type fakeOrch struct {
	mu       sync.Mutex
	turns    []string
	assigns  []string
	inbox    []persistence.Task
	running  []persistence.Task
	turnErrs []error
}

func (f *fakeOrch) RunTurn(_ context.Context, taskID, agentRef string) (*orchestrator.TurnOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, taskID+"/"+agentRef)
	if len(f.turnErrs) > 0 {
		err := f.turnErrs[0]
		f.turnErrs = f.turnErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &orchestrator.TurnOutcome{TaskID: taskID, AgentID: agentRef, Outcome: orchestrator.OutcomeApplied}, nil
}

func (f *fakeOrch) Assign(_ context.Context, taskID string, agentRefs []string, actor string) (*persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, taskID+"@"+actor)
	return &persistence.Task{ID: taskID, Status: persistence.TaskStatusInProgress, AssigneeIDs: agentRefs}, nil
}

func (f *fakeOrch) List(_ context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch filter.Status {
	case persistence.TaskStatusInbox:
		return f.inbox, nil
	case persistence.TaskStatusInProgress:
		return f.running, nil
	}
	return nil, nil
}

func (f *fakeOrch) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeOrch) assignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigns)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDispatcher(t *testing.T, orch *fakeOrch, b *bus.Bus) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(DispatcherConfig{
		Orchestrator:  orch,
		Bus:           b,
		Logger:        testLogger(),
		WorkerCount:   2,
		SweepInterval: time.Hour,
	})
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d
}

func TestDispatcher_EventsTriggerAssignAndTurn(t *testing.T) {
	orch := &fakeOrch{}
	b := bus.New()
	startDispatcher(t, orch, b)

	// The subscription is taken in Start, so these are not lost.
	b.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: "t1", To: "inbox", AssigneeIDs: []string{"coder"}})
	waitFor(t, "auto-assign", func() bool { return orch.assignCount() == 1 })

	b.Publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: "t1", To: "in_progress", AssigneeIDs: []string{"coder", "writer"}})
	waitFor(t, "two turns", func() bool { return orch.turnCount() == 2 })

	// Transitions to anything other than in_progress do not start turns.
	b.Publish(bus.TopicTaskTransitioned, bus.TaskEvent{TaskID: "t1", To: "done", AssigneeIDs: []string{"coder"}})
	time.Sleep(30 * time.Millisecond)
	if got := orch.turnCount(); got != 2 {
		t.Fatalf("turns = %d, want 2", got)
	}
	orch.mu.Lock()
	if orch.assigns[0] != "t1@"+orchestrator.SystemActor {
		t.Fatalf("assign recorded as %q", orch.assigns[0])
	}
	orch.mu.Unlock()
}

func TestDispatcher_SweepAssignsAndSchedulesIdleAgents(t *testing.T) {
	orch := &fakeOrch{
		inbox: []persistence.Task{
			{ID: "proposed", Status: persistence.TaskStatusInbox, AssigneeIDs: []string{"coder"}},
			{ID: "unowned", Status: persistence.TaskStatusInbox},
		},
		running: []persistence.Task{
			{ID: "busy", Status: persistence.TaskStatusInProgress, AssigneeIDs: []string{"coder", "writer"}},
		},
	}
	q := queue.NewMemoryQueue(16)
	d := NewDispatcher(DispatcherConfig{Orchestrator: orch, Queue: q, Logger: testLogger()})

	d.Sweep(context.Background())
	if got := orch.assignCount(); got != 1 {
		t.Fatalf("assigns = %d, want 1", got)
	}
	if q.Len() != 2 {
		t.Fatalf("queued = %d, want 2", q.Len())
	}

	// Still pending: a second sweep must not stack duplicates.
	d.Sweep(context.Background())
	if q.Len() != 2 {
		t.Fatalf("queued after second sweep = %d, want 2", q.Len())
	}
	if st := d.Status(); st.Pending != 2 {
		t.Fatalf("pending = %d", st.Pending)
	}
}

func TestDispatcher_EnqueueSuppressesDuplicates(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	d := NewDispatcher(DispatcherConfig{Orchestrator: &fakeOrch{}, Queue: q, Logger: testLogger()})
	job := queue.Job{TaskID: "t1", AgentID: "coder"}
	if !d.Enqueue(context.Background(), job) {
		t.Fatal("first enqueue should publish")
	}
	if d.Enqueue(context.Background(), job) {
		t.Fatal("second enqueue should be suppressed")
	}
	if !d.Enqueue(context.Background(), queue.Job{TaskID: "t1", AgentID: "writer"}) {
		t.Fatal("other agent on the same task should publish")
	}
	if q.Len() != 2 {
		t.Fatalf("queued = %d", q.Len())
	}
}

func TestDispatcher_RateLimitedTurnIsDeferred(t *testing.T) {
	orch := &fakeOrch{turnErrs: []error{
		apperr.New(apperr.CodeRateLimited, "slow down", apperr.WithRetryAfter(20*time.Millisecond)),
	}}
	d := startDispatcher(t, orch, nil)

	d.Enqueue(context.Background(), queue.Job{TaskID: "t1", AgentID: "coder"})
	waitFor(t, "retried turn", func() bool { return orch.turnCount() == 2 })
	waitFor(t, "pending cleared", func() bool { return d.Status().Pending == 0 })

	st := d.Status()
	if st.Deferred != 1 || st.Completed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestDispatcher_BudgetDenialIsNotRetried(t *testing.T) {
	orch := &fakeOrch{turnErrs: []error{
		apperr.New(apperr.CodeBudgetExceeded, "monthly budget spent"),
	}}
	d := startDispatcher(t, orch, nil)

	d.Enqueue(context.Background(), queue.Job{TaskID: "t1", AgentID: "coder"})
	waitFor(t, "pending cleared", func() bool { return d.Status().Pending == 0 })
	time.Sleep(30 * time.Millisecond)
	if got := orch.turnCount(); got != 1 {
		t.Fatalf("turns = %d, want 1", got)
	}
	if st := d.Status(); st.Deferred != 0 || st.LastError != "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestDispatcher_ExecutorErrorIsReported(t *testing.T) {
	orch := &fakeOrch{turnErrs: []error{
		apperr.New(apperr.CodeExecutorFailure, "model unavailable"),
	}}
	d := startDispatcher(t, orch, nil)

	d.Enqueue(context.Background(), queue.Job{TaskID: "t1", AgentID: "coder"})
	waitFor(t, "last error", func() bool { return d.Status().LastError != "" })
	if d.Status().Deferred != 0 {
		t.Fatal("executor failures are left to the sweep, not deferred")
	}
}
