package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/ratelimit"
)

type execFunc func(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)

func (f execFunc) ExecuteTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	return f(ctx, req)
}

type harness struct {
	orch   *orchestrator.Orchestrator
	store  *persistence.Store
	reg    *agent.Registry
	bus    *bus.Bus
	budget *budget.Enforcer
	audit  *audit.Trail
}

func testConfig() config.Config {
	return config.Config{
		Escalation: config.EscalationConfig{Threshold: 0.7},
		RateLimit: config.AdmissionConfig{
			Agents: map[string]config.AgentLimit{"writer": {PerMinute: 1}},
		},
		LLM: config.LLMConfig{Provider: "googleai", Model: "gemini-2.5-flash"},
		Agents: []config.AgentConfigEntry{
			{Name: "Boss", Role: "plans and reviews", Level: config.LevelLead},
			{Name: "Coder", Role: "writes code", Level: config.LevelSpecialist},
			{Name: "Writer", Role: "writes docs", Level: config.LevelSpecialist},
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*orchestrator.Config)) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := agent.NewRegistry(store, nil)
	if err := reg.Reload(ctx, testConfig()); err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	b := bus.New()
	enf := budget.New(budget.Config{
		Store: store,
		Limits: budget.StaticLimits{
			Default: budget.Limits{DailyUSD: 10, MonthlyUSD: 100},
			Tenants: map[string]budget.Limits{"broke": {DailyUSD: 0.000001, MonthlyUSD: 1}},
		},
	})
	trail, err := audit.New(audit.Config{Backend: store, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	cfg := orchestrator.Config{
		Store:           store,
		Registry:        reg,
		Limiter:         ratelimit.NewMemoryLimiter(reg),
		Budget:          enf,
		Audit:           trail,
		Bus:             b,
		MaxOutputTokens: 1000,
		Executor: execFunc(func(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
			return &orchestrator.TurnResult{Reply: "working on it"}, nil
		}),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{orch: orch, store: store, reg: reg, bus: b, budget: enf, audit: trail}
}

func (h *harness) id(t *testing.T, name string) string {
	t.Helper()
	p, ok := h.reg.ByName(name)
	if !ok {
		t.Fatalf("agent %s missing", name)
	}
	return p.ID
}

func (h *harness) create(t *testing.T, in orchestrator.CreateInput) *persistence.Task {
	t.Helper()
	if in.Title == "" {
		in.Title = "task"
	}
	task, err := h.orch.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func (h *harness) status(t *testing.T, id string) persistence.TaskStatus {
	t.Helper()
	task, err := h.orch.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.Status
}

func wantCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func hasActivity(t *testing.T, h *harness, taskID, kind string) *persistence.Activity {
	t.Helper()
	acts, err := h.orch.Timeline(context.Background(), taskID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for i := range acts {
		if acts[i].Type == kind {
			return &acts[i]
		}
	}
	return nil
}

func TestCanTransition_Graph(t *testing.T) {
	all := []persistence.TaskStatus{
		persistence.TaskStatusInbox, persistence.TaskStatusInProgress, persistence.TaskStatusBlocked,
		persistence.TaskStatusDone, persistence.TaskStatusCancelled,
	}
	allowed := map[[2]persistence.TaskStatus]bool{
		{persistence.TaskStatusInbox, persistence.TaskStatusInProgress}:     true,
		{persistence.TaskStatusInbox, persistence.TaskStatusCancelled}:      true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusBlocked}:   true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusDone}:      true,
		{persistence.TaskStatusInProgress, persistence.TaskStatusCancelled}: true,
		{persistence.TaskStatusBlocked, persistence.TaskStatusInProgress}:   true,
		{persistence.TaskStatusBlocked, persistence.TaskStatusCancelled}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := orchestrator.CanTransition(from, to); got != allowed[[2]persistence.TaskStatus{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestCreate_StartsInInboxAndPublishes(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("task.created")
	defer h.bus.Unsubscribe(sub)

	task := h.create(t, orchestrator.CreateInput{Title: "  Ship it  ", Assignees: []string{"coder"}, CreatedBy: "Boss"})
	if task.Status != persistence.TaskStatusInbox {
		t.Fatalf("status = %s, want inbox", task.Status)
	}
	if task.Title != "Ship it" || task.Priority != persistence.PriorityMedium {
		t.Fatalf("unexpected normalization: %+v", task)
	}
	if len(task.AssigneeIDs) != 1 || task.AssigneeIDs[0] != h.id(t, "Coder") {
		t.Fatalf("proposed assignees = %v", task.AssigneeIDs)
	}
	select {
	case ev := <-sub.Ch():
		te, ok := ev.Payload.(bus.TaskEvent)
		if !ok || te.TaskID != task.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("task.created not published")
	}
	if hasActivity(t, h, task.ID, orchestrator.ActivityTaskCreated) == nil {
		t.Fatal("missing task_created activity")
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Create(ctx, orchestrator.CreateInput{Title: "   "})
	wantCode(t, err, apperr.CodeValidation)

	_, err = h.orch.Create(ctx, orchestrator.CreateInput{Title: "x", Priority: "urgent"})
	wantCode(t, err, apperr.CodeValidation)

	_, err = h.orch.Create(ctx, orchestrator.CreateInput{Title: "x", ParentID: "missing"})
	wantCode(t, err, apperr.CodeValidation)

	_, err = h.orch.Create(ctx, orchestrator.CreateInput{Title: "x", Assignees: []string{"ghost"}})
	wantCode(t, err, apperr.CodeNotFound)

	done := h.create(t, orchestrator.CreateInput{})
	if _, err := h.orch.Advance(ctx, done.ID, persistence.TaskStatusCancelled, "boss", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = h.orch.Create(ctx, orchestrator.CreateInput{Title: "x", ParentID: done.ID})
	wantCode(t, err, apperr.CodeValidation)
}

func TestCreate_DelegationDepthCap(t *testing.T) {
	h := newHarness(t, func(c *orchestrator.Config) { c.MaxDelegationDepth = 2 })
	root := h.create(t, orchestrator.CreateInput{Title: "root"})
	child := h.create(t, orchestrator.CreateInput{Title: "child", ParentID: root.ID})
	grand := h.create(t, orchestrator.CreateInput{Title: "grandchild", ParentID: child.ID})
	_, err := h.orch.Create(context.Background(), orchestrator.CreateInput{Title: "too deep", ParentID: grand.ID})
	wantCode(t, err, apperr.CodeValidation)
	if grand.TenantID != root.TenantID || grand.SessionID != root.SessionID {
		t.Fatalf("children should inherit tenant and session")
	}
}

func TestAssign_MovesToInProgressAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{Title: "T1"})

	got, err := h.orch.Assign(ctx, task.ID, []string{"Coder"}, "boss")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	again, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "boss")
	if err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("repeated assign should not write (version %d -> %d)", got.Version, again.Version)
	}
	a, err := h.store.GetAgent(ctx, h.id(t, "Coder"))
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.CurrentTaskID != task.ID || a.Status != persistence.AgentStatusActive {
		t.Fatalf("agent not pointed at task: %+v", a)
	}
	subs, err := h.store.Subscribers(ctx, task.ID)
	if err != nil || len(subs) != 1 || subs[0] != h.id(t, "Coder") {
		t.Fatalf("subscribers = %v err=%v", subs, err)
	}
}

func TestAssign_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Assign(ctx, "nope", []string{"coder"}, "boss")
	wantCode(t, err, apperr.CodeNotFound)

	task := h.create(t, orchestrator.CreateInput{})
	_, err = h.orch.Assign(ctx, task.ID, []string{"ghost"}, "boss")
	wantCode(t, err, apperr.CodeNotFound)

	_, err = h.orch.Assign(ctx, task.ID, nil, "boss")
	wantCode(t, err, apperr.CodeValidation)

	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "boss"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusDone, "coder", ""); err != nil {
		t.Fatalf("done: %v", err)
	}
	_, err = h.orch.Assign(ctx, task.ID, []string{"writer"}, "boss")
	wantCode(t, err, apperr.CodeAlreadyTerminal)
}

func TestAdvance_RejectsOffGraphAndTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{})

	_, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusDone, "boss", "")
	wantCode(t, err, apperr.CodeInvalidTransition)

	_, err = h.orch.Advance(ctx, task.ID, persistence.TaskStatusInProgress, "boss", "")
	wantCode(t, err, apperr.CodeValidation)

	_, err = h.orch.Advance(ctx, task.ID, "paused", "boss", "")
	wantCode(t, err, apperr.CodeValidation)

	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "boss"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err = h.orch.Advance(ctx, task.ID, persistence.TaskStatusBlocked, "coder", "")
	wantCode(t, err, apperr.CodeValidation)

	blocked, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusBlocked, "coder", "waiting on API keys")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.BlockedReason != "waiting on API keys" {
		t.Fatalf("blocked reason = %q", blocked.BlockedReason)
	}
	if act := hasActivity(t, h, task.ID, orchestrator.ActivityTaskBlocked); act == nil || act.Metadata["reason"] != "waiting on API keys" {
		t.Fatalf("blocked activity missing reason: %+v", act)
	}
	if _, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusInProgress, "coder", ""); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusDone, "coder", ""); err != nil {
		t.Fatalf("done: %v", err)
	}
	for _, to := range []persistence.TaskStatus{persistence.TaskStatusInProgress, persistence.TaskStatusCancelled, persistence.TaskStatusBlocked} {
		_, err := h.orch.Advance(ctx, task.ID, to, "coder", "again")
		wantCode(t, err, apperr.CodeInvalidTransition)
	}
	a, _ := h.store.GetAgent(ctx, h.id(t, "Coder"))
	if a.CurrentTaskID != "" {
		t.Fatalf("terminal task should release its agents, got %q", a.CurrentTaskID)
	}
}

func TestAdvance_ConcurrentSameTaskOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{})
	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "boss"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := persistence.TaskStatusDone
			if i%2 == 1 {
				to = persistence.TaskStatusCancelled
			}
			_, err := h.orch.Advance(ctx, task.ID, to, "coder", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		wantCode(t, err, apperr.CodeInvalidTransition)
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestDelegate_AutoResolvesParentWhenChildrenDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t1 := h.create(t, orchestrator.CreateInput{Title: "T1"})
	if _, err := h.orch.Assign(ctx, t1.ID, []string{"Boss"}, "user"); err != nil {
		t.Fatalf("assign T1: %v", err)
	}
	if h.status(t, t1.ID) != persistence.TaskStatusInProgress {
		t.Fatalf("T1 should be in progress")
	}
	children, err := h.orch.Delegate(ctx, t1.ID, []orchestrator.SubtaskInput{
		{Title: "T2", Assignees: []string{"coder"}},
		{Title: "T3"},
	}, "boss")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
	t2, t3 := children[0], children[1]
	if t2.Status != persistence.TaskStatusInProgress || t3.Status != persistence.TaskStatusInbox {
		t.Fatalf("child states = %s, %s", t2.Status, t3.Status)
	}
	if t2.ParentTaskID != t1.ID || t3.ParentTaskID != t1.ID {
		t.Fatalf("children not linked to parent")
	}
	if _, err := h.orch.Assign(ctx, t3.ID, []string{"writer"}, "boss"); err != nil {
		t.Fatalf("assign T3: %v", err)
	}

	if _, err := h.orch.Advance(ctx, t2.ID, persistence.TaskStatusDone, "coder", ""); err != nil {
		t.Fatalf("T2 done: %v", err)
	}
	if h.status(t, t1.ID) != persistence.TaskStatusInProgress {
		t.Fatalf("parent resolved early")
	}
	if _, err := h.orch.Advance(ctx, t3.ID, persistence.TaskStatusDone, "writer", ""); err != nil {
		t.Fatalf("T3 done: %v", err)
	}
	if got := h.status(t, t1.ID); got != persistence.TaskStatusDone {
		t.Fatalf("T1 status = %s, want done", got)
	}
	if hasActivity(t, h, t1.ID, orchestrator.ActivityTaskAutoResolve) == nil {
		t.Fatal("missing auto-resolve activity")
	}
	kids, err := h.orch.Children(ctx, t1.ID)
	if err != nil || len(kids) != 2 {
		t.Fatalf("children read = %d err=%v", len(kids), err)
	}
}

func TestDelegate_CancelledChildBlocksParentAndWalksUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	root := h.create(t, orchestrator.CreateInput{Title: "root"})
	if _, err := h.orch.Assign(ctx, root.ID, []string{"boss"}, "user"); err != nil {
		t.Fatalf("assign root: %v", err)
	}
	mid, err := h.orch.Delegate(ctx, root.ID, []orchestrator.SubtaskInput{{Title: "mid", Assignees: []string{"coder"}}}, "boss")
	if err != nil {
		t.Fatalf("delegate root: %v", err)
	}
	leaves, err := h.orch.Delegate(ctx, mid[0].ID, []orchestrator.SubtaskInput{
		{Title: "leaf-a", Assignees: []string{"writer"}},
		{Title: "leaf-b", Assignees: []string{"writer"}},
	}, "coder")
	if err != nil {
		t.Fatalf("delegate mid: %v", err)
	}

	// Both leaves done: mid resolves, then root resolves.
	for _, l := range leaves {
		if _, err := h.orch.Advance(ctx, l.ID, persistence.TaskStatusDone, "writer", ""); err != nil {
			t.Fatalf("leaf done: %v", err)
		}
	}
	if h.status(t, mid[0].ID) != persistence.TaskStatusDone || h.status(t, root.ID) != persistence.TaskStatusDone {
		t.Fatalf("auto-resolution did not walk up: mid=%s root=%s", h.status(t, mid[0].ID), h.status(t, root.ID))
	}

	other := h.create(t, orchestrator.CreateInput{Title: "other"})
	if _, err := h.orch.Assign(ctx, other.ID, []string{"boss"}, "user"); err != nil {
		t.Fatalf("assign other: %v", err)
	}
	kids, err := h.orch.Delegate(ctx, other.ID, []orchestrator.SubtaskInput{
		{Title: "a", Assignees: []string{"coder"}},
		{Title: "b", Assignees: []string{"writer"}},
	}, "boss")
	if err != nil {
		t.Fatalf("delegate other: %v", err)
	}
	if _, err := h.orch.Advance(ctx, kids[0].ID, persistence.TaskStatusDone, "coder", ""); err != nil {
		t.Fatalf("a done: %v", err)
	}
	if _, err := h.orch.Advance(ctx, kids[1].ID, persistence.TaskStatusCancelled, "boss", ""); err != nil {
		t.Fatalf("b cancel: %v", err)
	}
	parent, err := h.orch.Get(ctx, other.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if parent.Status != persistence.TaskStatusBlocked || parent.BlockedReason == "" {
		t.Fatalf("parent = %s %q, want blocked with reason", parent.Status, parent.BlockedReason)
	}
}

func TestAdvance_ParentWaitsForOpenSubtasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.create(t, orchestrator.CreateInput{Title: "launch"})
	if _, err := h.orch.Assign(ctx, parent.ID, []string{"boss"}, "user"); err != nil {
		t.Fatalf("assign parent: %v", err)
	}
	kids, err := h.orch.Delegate(ctx, parent.ID, []orchestrator.SubtaskInput{{Title: "build", Assignees: []string{"coder"}}}, "boss")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	for _, to := range []persistence.TaskStatus{persistence.TaskStatusDone, persistence.TaskStatusCancelled} {
		_, err = h.orch.Advance(ctx, parent.ID, to, "boss", "")
		wantCode(t, err, apperr.CodeInvalidTransition)
	}
	if got := h.status(t, parent.ID); got != persistence.TaskStatusInProgress {
		t.Fatalf("parent = %s, want in_progress", got)
	}
	if got := h.status(t, kids[0].ID); got != persistence.TaskStatusInProgress {
		t.Fatalf("child = %s, want in_progress", got)
	}

	// Blocking is still allowed; it does not close the parent.
	if _, err := h.orch.Advance(ctx, parent.ID, persistence.TaskStatusBlocked, "boss", "waiting on build"); err != nil {
		t.Fatalf("block parent: %v", err)
	}
	if _, err := h.orch.Advance(ctx, kids[0].ID, persistence.TaskStatusCancelled, "boss", ""); err != nil {
		t.Fatalf("cancel child: %v", err)
	}
	if _, err := h.orch.Advance(ctx, parent.ID, persistence.TaskStatusCancelled, "boss", ""); err != nil {
		t.Fatalf("cancel parent once subtasks are closed: %v", err)
	}
}

func TestDelegate_RequiresInProgressParent(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, orchestrator.CreateInput{})
	_, err := h.orch.Delegate(context.Background(), task.ID, []orchestrator.SubtaskInput{{Title: "x"}}, "boss")
	wantCode(t, err, apperr.CodeInvalidTransition)

	_, err = h.orch.Delegate(context.Background(), task.ID, nil, "boss")
	wantCode(t, err, apperr.CodeValidation)
}

func TestEscalate_BlocksAndNotifiesLead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{Title: "tricky"})
	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "user"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := h.orch.Escalate(ctx, task.ID, "coder", "fine really", 0.9)
	wantCode(t, err, apperr.CodeValidation)

	got, err := h.orch.Escalate(ctx, task.ID, "coder", "requirements unclear", 0.4)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got.Status != persistence.TaskStatusBlocked {
		t.Fatalf("status = %s", got.Status)
	}
	act := hasActivity(t, h, task.ID, orchestrator.ActivityTaskEscalated)
	if act == nil || act.Metadata["confidence"] != "0.40" || act.Metadata["reason"] != "requirements unclear" {
		t.Fatalf("escalation activity = %+v", act)
	}
	boss := h.id(t, "Boss")
	pending, err := h.store.ListNotifications(ctx, boss, true, 0)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(pending) != 1 || pending[0].TaskID != task.ID {
		t.Fatalf("lead notifications = %+v", pending)
	}
	subs, _ := h.store.Subscribers(ctx, task.ID)
	found := false
	for _, s := range subs {
		found = found || s == boss
	}
	if !found {
		t.Fatal("lead should be subscribed after escalation")
	}

	_, err = h.orch.Escalate(ctx, task.ID, "coder", "still unclear", 0.1)
	wantCode(t, err, apperr.CodeInvalidTransition)
}

func TestPostMessage_MentionsSubscribeAndNotify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{})
	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "user"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	coder, writer, boss := h.id(t, "Coder"), h.id(t, "Writer"), h.id(t, "Boss")
	before, _ := h.store.ListNotifications(ctx, coder, true, 0)

	msg, err := h.orch.PostMessage(ctx, orchestrator.MessageInput{
		TaskID:  task.ID,
		Author:  "Boss",
		Content: "@writer please document what @Coder builds (cc nobody@example.com, @ghost)",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(msg.Mentions) != 2 {
		t.Fatalf("mentions = %v", msg.Mentions)
	}
	wn, _ := h.store.ListNotifications(ctx, writer, true, 0)
	if len(wn) != 1 {
		t.Fatalf("writer notifications = %d, want 1", len(wn))
	}
	after, _ := h.store.ListNotifications(ctx, coder, true, 0)
	if len(after) != len(before)+1 {
		t.Fatalf("coder should get exactly one new notification, got %d", len(after)-len(before))
	}
	bn, _ := h.store.ListNotifications(ctx, boss, true, 0)
	if len(bn) != 0 {
		t.Fatalf("author must not be notified, got %d", len(bn))
	}
	subs, _ := h.store.Subscribers(ctx, task.ID)
	if len(subs) != 3 {
		t.Fatalf("subscribers = %v", subs)
	}
}

func TestTransition_NotifiesSubscribersExceptActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{CreatedBy: "Boss"})
	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "boss"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	coder, boss := h.id(t, "Coder"), h.id(t, "Boss")
	cBefore, _ := h.store.ListNotifications(ctx, coder, true, 0)
	bBefore, _ := h.store.ListNotifications(ctx, boss, true, 0)

	if _, err := h.orch.Advance(ctx, task.ID, persistence.TaskStatusBlocked, "Coder", "need review"); err != nil {
		t.Fatalf("block: %v", err)
	}
	cAfter, _ := h.store.ListNotifications(ctx, coder, true, 0)
	bAfter, _ := h.store.ListNotifications(ctx, boss, true, 0)
	if len(cAfter) != len(cBefore) {
		t.Fatalf("actor was notified of own transition")
	}
	if len(bAfter) != len(bBefore)+1 {
		t.Fatalf("subscriber not notified: before=%d after=%d", len(bBefore), len(bAfter))
	}
}

func TestPostMessage_LowConfidenceEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, orchestrator.CreateInput{})
	if _, err := h.orch.Assign(ctx, task.ID, []string{"coder"}, "user"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	conf := 0.5
	if _, err := h.orch.PostMessage(ctx, orchestrator.MessageInput{TaskID: task.ID, Author: "coder", Content: "maybe?", Confidence: &conf}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := h.status(t, task.ID); got != persistence.TaskStatusBlocked {
		t.Fatalf("status = %s, want blocked", got)
	}

	bad := 1.5
	_, err := h.orch.PostMessage(ctx, orchestrator.MessageInput{TaskID: task.ID, Author: "coder", Content: "x", Confidence: &bad})
	wantCode(t, err, apperr.CodeValidation)
}

func TestGetAndTimeline_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Get(context.Background(), "missing")
	wantCode(t, err, apperr.CodeNotFound)
	_, err = h.orch.Timeline(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("timeline err = %v", err)
	}
}
