// Package orchestrator owns the task lifecycle: creation, assignment,
// delegation into subtasks, escalation, and every status change. It is also
// the single place where agent turns are admitted and executed (see turn.go).
//
// Mutations of one task are serialized by a per-task mutex and, underneath,
// by the version column; notifications and activities are written in the same
// transaction as the change that caused them, and bus events go out only
// after commit.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/notify"
	"github.com/basket/crewdesk/internal/otel"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

// Activity types written to the timeline.
const (
	ActivityTaskCreated     = "task_created"
	ActivityTaskAssigned    = "task_assigned"
	ActivityTaskTransition  = "task_transitioned"
	ActivityTaskBlocked     = "task_blocked"
	ActivityTaskEscalated   = "task_escalated"
	ActivityTaskDelegated   = "task_delegated"
	ActivityTaskAutoResolve = "task_auto_resolved"
	ActivityMessagePosted   = "message_posted"
	ActivityTurnDenied      = "turn_denied"
	ActivityTurnFailed      = "turn_failed"
	ActivityTurnDiscarded   = "turn_result_discarded"
)

// SystemActor is recorded for changes the engine makes on its own.
const SystemActor = "system"

const defaultMaxDepth = 5

type Config struct {
	Store    *persistence.Store
	Registry *agent.Registry
	Limiter  ratelimit.Limiter
	Budget   *budget.Enforcer
	Audit    *audit.Trail
	Fanout   *notify.Fanout
	Bus      *bus.Bus
	Executor TurnExecutor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer

	// MaxDelegationDepth caps how deep a parent chain may grow. Default 5.
	MaxDelegationDepth int
	// TurnTimeout bounds a single executor call. Zero means no ceiling.
	TurnTimeout time.Duration
	// MaxOutputTokens feeds the pre-turn cost estimate.
	MaxOutputTokens int
}

type Orchestrator struct {
	store    *persistence.Store
	registry *agent.Registry
	limiter  ratelimit.Limiter
	budget   *budget.Enforcer
	audit    *audit.Trail
	fanout   *notify.Fanout
	bus      *bus.Bus
	executor TurnExecutor
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer

	maxDepth        int
	turnTimeout     time.Duration
	maxOutputTokens int

	locks sync.Map // task id -> *sync.Mutex
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator needs a store and an agent registry")
	}
	o := &Orchestrator{
		store:           cfg.Store,
		registry:        cfg.Registry,
		limiter:         cfg.Limiter,
		budget:          cfg.Budget,
		audit:           cfg.Audit,
		fanout:          cfg.Fanout,
		bus:             cfg.Bus,
		executor:        cfg.Executor,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		maxDepth:        cfg.MaxDelegationDepth,
		turnTimeout:     cfg.TurnTimeout,
		maxOutputTokens: cfg.MaxOutputTokens,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bus == nil {
		o.bus = bus.New()
	}
	if o.fanout == nil {
		o.fanout = notify.New(cfg.Store, o.bus, o.logger)
	}
	if o.metrics == nil {
		o.metrics = otel.NoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = otel.NoopTracer()
	}
	if o.maxDepth <= 0 {
		o.maxDepth = defaultMaxDepth
	}
	return o, nil
}

// SetExecutor installs the turn executor. The tools an executor exposes
// are built on the orchestrator itself, so the two are wired in two steps.
// Call it before the first RunTurn.
func (o *Orchestrator) SetExecutor(e TurnExecutor) {
	o.executor = e
}

// lockTask serializes mutations of one task. Locks are never held across
// an executor call.
func (o *Orchestrator) lockTask(taskID string) func() {
	v, _ := o.locks.LoadOrStore(taskID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// effects collects what must happen after a transaction commits. WithTx may
// rerun its function on SQLITE_BUSY, so every unit of work starts from reset.
type effects struct {
	events []busEvent
	notes  []persistence.Notification
}

type busEvent struct {
	topic   string
	payload any
}

func (fx *effects) reset() {
	fx.events = fx.events[:0]
	fx.notes = fx.notes[:0]
}

func (fx *effects) publish(topic string, payload any) {
	fx.events = append(fx.events, busEvent{topic: topic, payload: payload})
}

func (o *Orchestrator) flush(fx *effects) {
	o.fanout.Announce(fx.notes)
	for _, ev := range fx.events {
		o.bus.Publish(ev.topic, ev.payload)
	}
}

// CreateInput describes a new task. Assignees are optional proposals: the
// task still starts in inbox and moves on when it is assigned.
type CreateInput struct {
	Title       string
	Description string
	Priority    persistence.Priority
	ParentID    string
	Assignees   []string
	Tags        []string
	DueDate     *time.Time
	CreatedBy   string
	TenantID    string
	SessionID   string
}

func (o *Orchestrator) normalizeCreate(in *CreateInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return apperr.New(apperr.CodeValidation, "task title is required")
	}
	if in.Priority == "" {
		in.Priority = persistence.PriorityMedium
	}
	if !in.Priority.Valid() {
		return apperr.Newf(apperr.CodeValidation, "unknown priority %q", in.Priority)
	}
	if len(in.Assignees) > 0 {
		ids, err := o.registry.ResolveAll(in.Assignees)
		if err != nil {
			return err
		}
		in.Assignees = ids
	}
	in.CreatedBy = o.actorID(in.CreatedBy)
	return nil
}

// Create inserts a task in inbox. A parent must exist, must not be
// terminal, and the new chain must stay within the delegation depth.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*persistence.Task, error) {
	if err := o.normalizeCreate(&in); err != nil {
		return nil, err
	}
	var task *persistence.Task
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		var err error
		task, err = o.createTx(ctx, tx, in, &fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)
	o.logger.Info("task created", "task_id", task.ID, "parent_id", task.ParentTaskID, "tenant_id", task.TenantID)
	return task, nil
}

func (o *Orchestrator) createTx(ctx context.Context, tx *persistence.Tx, in CreateInput, fx *effects) (*persistence.Task, error) {
	if in.ParentID != "" {
		parent, err := tx.GetTask(ctx, in.ParentID)
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "parent task "+in.ParentID+" does not exist")
		}
		if err != nil {
			return nil, err
		}
		if parent.Status.Terminal() {
			return nil, apperr.Newf(apperr.CodeValidation, "parent task %s is %s", in.ParentID, parent.Status)
		}
		chain, err := tx.ParentChain(ctx, in.ParentID)
		if err != nil {
			return nil, err
		}
		if hasCycle(in.ParentID, chain) {
			return nil, apperr.Newf(apperr.CodeValidation, "parent chain of %s contains a cycle", in.ParentID)
		}
		// The parent sits at depth len(chain); the child one below it.
		if depth := len(chain) + 1; depth > o.maxDepth {
			return nil, apperr.Newf(apperr.CodeValidation, "delegation depth %d exceeds limit %d", depth, o.maxDepth)
		}
		if in.TenantID == "" {
			in.TenantID = parent.TenantID
		}
		if in.SessionID == "" {
			in.SessionID = parent.SessionID
		}
	}
	if len(in.Assignees) > 0 {
		missing, err := tx.MissingAgents(ctx, in.Assignees)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, apperr.Newf(apperr.CodeNotFound, "unknown agents: %s", strings.Join(missing, ", "))
		}
	}

	task := &persistence.Task{
		Title:        in.Title,
		Description:  in.Description,
		Status:       persistence.TaskStatusInbox,
		Priority:     in.Priority,
		ParentTaskID: in.ParentID,
		AssigneeIDs:  in.Assignees,
		Tags:         in.Tags,
		DueDate:      in.DueDate,
		CreatedBy:    in.CreatedBy,
		TenantID:     in.TenantID,
		SessionID:    in.SessionID,
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Get(in.CreatedBy); ok {
		if _, err := tx.Subscribe(ctx, in.CreatedBy, task.ID); err != nil {
			return nil, err
		}
	}
	md := map[string]string{"priority": string(task.Priority)}
	if task.ParentTaskID != "" {
		md["parent_id"] = task.ParentTaskID
	}
	if len(task.AssigneeIDs) > 0 {
		md["proposed_assignees"] = strings.Join(task.AssigneeIDs, ",")
	}
	if err := tx.InsertActivity(ctx, &persistence.Activity{
		Type:     ActivityTaskCreated,
		AgentID:  agentOrEmpty(o.registry, in.CreatedBy),
		TaskID:   task.ID,
		Message:  task.Title,
		Metadata: md,
	}); err != nil {
		return nil, err
	}
	fx.publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID:      task.ID,
		ParentID:    task.ParentTaskID,
		SessionID:   task.SessionID,
		To:          string(task.Status),
		Actor:       in.CreatedBy,
		AssigneeIDs: task.AssigneeIDs,
	})
	return task, nil
}

// hasCycle reports whether ParentChain stopped on a repeated id.
func hasCycle(start string, chain []string) bool {
	seen := map[string]bool{start: true}
	for _, id := range chain {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

// Assign moves a task to in_progress under the given agents (ids or
// names). Assigning the same set to a task already in progress is a no-op,
// so repeated triggers are harmless.
func (o *Orchestrator) Assign(ctx context.Context, taskID string, agentRefs []string, actor string) (*persistence.Task, error) {
	if len(agentRefs) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "at least one assignee is required")
	}
	ids, err := o.registry.ResolveAll(agentRefs)
	if err != nil {
		return nil, err
	}
	actor = o.actorID(actor)
	unlock := o.lockTask(taskID)
	defer unlock()

	var task *persistence.Task
	var fx effects
	err = o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		var err error
		task, err = o.assignTx(ctx, tx, taskID, ids, actor, &fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)
	return task, nil
}

func (o *Orchestrator) assignTx(ctx context.Context, tx *persistence.Tx, taskID string, ids []string, actor string, fx *effects) (*persistence.Task, error) {
	task, err := o.loadTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, apperr.New(apperr.CodeAlreadyTerminal, "task "+taskID+" is "+string(task.Status),
			apperr.WithMetadata("task_id", taskID))
	}
	missing, err := tx.MissingAgents(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.CodeNotFound, "unknown agents: %s", strings.Join(missing, ", "))
	}
	if task.Status == persistence.TaskStatusInProgress && sameSet(task.AssigneeIDs, ids) {
		return task, nil
	}
	from := task.Status
	if from != persistence.TaskStatusInProgress {
		if err := checkTransition(task, persistence.TaskStatusInProgress); err != nil {
			return nil, err
		}
	}
	task.AssigneeIDs = ids
	task.Status = persistence.TaskStatusInProgress
	task.BlockedReason = ""
	if err := tx.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := tx.SetCurrentTask(ctx, task.ID, ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.Subscribe(ctx, id, task.ID); err != nil {
			return nil, err
		}
	}
	names := o.displayNames(ids)
	if err := tx.InsertActivity(ctx, &persistence.Activity{
		Type:    ActivityTaskAssigned,
		AgentID: agentOrEmpty(o.registry, actor),
		TaskID:  task.ID,
		Message: "assigned to " + strings.Join(names, ", "),
		Metadata: map[string]string{
			"from":      string(from),
			"to":        string(task.Status),
			"assignees": strings.Join(ids, ","),
		},
	}); err != nil {
		return nil, err
	}
	notes, err := o.fanout.NotifyTx(ctx, tx, task.ID, fmt.Sprintf("%q assigned to %s", task.Title, strings.Join(names, ", ")), actor, actor)
	if err != nil {
		return nil, err
	}
	fx.notes = append(fx.notes, notes...)
	fx.publish(bus.TopicTaskAssigned, bus.TaskEvent{
		TaskID:      task.ID,
		ParentID:    task.ParentTaskID,
		SessionID:   task.SessionID,
		From:        string(from),
		To:          string(task.Status),
		Actor:       actor,
		AssigneeIDs: ids,
	})
	return task, nil
}

// Advance is the status-mutation entry point. Moving to blocked needs a
// reason; moving to in_progress needs assignees.
func (o *Orchestrator) Advance(ctx context.Context, taskID string, to persistence.TaskStatus, actor, reason string) (*persistence.Task, error) {
	if !to.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown status %q", to)
	}
	reason = strings.TrimSpace(reason)
	if to == persistence.TaskStatusBlocked && reason == "" {
		return nil, apperr.New(apperr.CodeValidation, "blocking a task requires a reason")
	}
	actor = o.actorID(actor)
	unlock := o.lockTask(taskID)
	defer unlock()

	var task *persistence.Task
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		var err error
		task, err = o.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if to == persistence.TaskStatusInProgress && len(task.AssigneeIDs) == 0 {
			return apperr.New(apperr.CodeValidation, "task has no assignees; assign it instead")
		}
		return o.transitionTx(ctx, tx, task, to, actor, reason, &fx)
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)
	return task, nil
}

// transitionTx applies one validated edge and everything that follows from
// it: timeline entry, subscriber notifications, releasing agents, and
// auto-resolution of the parent when the task becomes terminal.
func (o *Orchestrator) transitionTx(ctx context.Context, tx *persistence.Tx, task *persistence.Task, to persistence.TaskStatus, actor, reason string, fx *effects) error {
	if err := checkTransition(task, to); err != nil {
		return err
	}
	// A parent settles through its children; it cannot finish or be
	// cancelled ahead of them.
	if to.Terminal() {
		open, err := openChildren(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperr.New(apperr.CodeInvalidTransition,
				fmt.Sprintf("task has %d open subtasks; finish or cancel them first", open),
				apperr.WithMetadata("task_id", task.ID),
				apperr.WithMetadata("from", string(task.Status)),
				apperr.WithMetadata("to", string(to)),
			)
		}
	}
	from := task.Status
	task.Status = to
	if to == persistence.TaskStatusBlocked {
		task.BlockedReason = reason
	} else {
		task.BlockedReason = ""
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	if to.Terminal() {
		if err := tx.ClearCurrentTask(ctx, task.ID); err != nil {
			return err
		}
	}

	kind := ActivityTaskTransition
	if to == persistence.TaskStatusBlocked {
		kind = ActivityTaskBlocked
	}
	md := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		md["reason"] = reason
	}
	msg := fmt.Sprintf("%s -> %s", from, to)
	if reason != "" {
		msg += ": " + reason
	}
	if err := tx.InsertActivity(ctx, &persistence.Activity{
		Type:     kind,
		AgentID:  agentOrEmpty(o.registry, actor),
		TaskID:   task.ID,
		Message:  msg,
		Metadata: md,
	}); err != nil {
		return err
	}
	notes, err := o.fanout.NotifyTx(ctx, tx, task.ID, fmt.Sprintf("%q is now %s", task.Title, to), actor, actor)
	if err != nil {
		return err
	}
	fx.notes = append(fx.notes, notes...)
	fx.publish(bus.TopicTaskTransitioned, bus.TaskEvent{
		TaskID:      task.ID,
		ParentID:    task.ParentTaskID,
		SessionID:   task.SessionID,
		From:        string(from),
		To:          string(to),
		Actor:       actor,
		AssigneeIDs: task.AssigneeIDs,
		Reason:      reason,
	})

	if to.Terminal() && task.ParentTaskID != "" {
		return o.resolveParentTx(ctx, tx, task.ParentTaskID, fx)
	}
	return nil
}

// resolveParentTx settles an in-progress parent once all of its children
// are terminal: done when every child is done, blocked otherwise. A parent
// that turns done may in turn settle its own parent.
func (o *Orchestrator) resolveParentTx(ctx context.Context, tx *persistence.Tx, parentID string, fx *effects) error {
	parent, err := tx.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != persistence.TaskStatusInProgress {
		return nil
	}
	children, err := tx.Children(ctx, parentID)
	if err != nil {
		return err
	}
	var cancelled []string
	for _, c := range children {
		if !c.Status.Terminal() {
			return nil
		}
		if c.Status == persistence.TaskStatusCancelled {
			cancelled = append(cancelled, c.ID)
		}
	}
	if err := tx.InsertActivity(ctx, &persistence.Activity{
		Type:    ActivityTaskAutoResolve,
		TaskID:  parentID,
		Message: fmt.Sprintf("all %d subtasks finished", len(children)),
		Metadata: map[string]string{
			"children":  strconv.Itoa(len(children)),
			"cancelled": strconv.Itoa(len(cancelled)),
		},
	}); err != nil {
		return err
	}
	if len(cancelled) == 0 {
		return o.transitionTx(ctx, tx, parent, persistence.TaskStatusDone, SystemActor, "", fx)
	}
	reason := "subtasks cancelled: " + strings.Join(cancelled, ", ")
	return o.transitionTx(ctx, tx, parent, persistence.TaskStatusBlocked, SystemActor, reason, fx)
}

// SubtaskInput is one child of a delegation. Assignees, when present, are
// assigned in the same transaction.
type SubtaskInput struct {
	Title       string
	Description string
	Priority    persistence.Priority
	Assignees   []string
	Tags        []string
}

// Delegate creates child tasks under taskID. The parent must be in
// progress and stays there until its children settle.
func (o *Orchestrator) Delegate(ctx context.Context, taskID string, subtasks []SubtaskInput, actor string) ([]persistence.Task, error) {
	if len(subtasks) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "delegate needs at least one subtask")
	}
	actor = o.actorID(actor)
	inputs := make([]CreateInput, len(subtasks))
	for i, st := range subtasks {
		in := CreateInput{
			Title:       st.Title,
			Description: st.Description,
			Priority:    st.Priority,
			ParentID:    taskID,
			Assignees:   st.Assignees,
			Tags:        st.Tags,
			CreatedBy:   actor,
		}
		if err := o.normalizeCreate(&in); err != nil {
			return nil, apperr.Wrap(apperr.CodeOf(err), err, fmt.Sprintf("subtask %d", i+1))
		}
		inputs[i] = in
	}

	unlock := o.lockTask(taskID)
	defer unlock()

	var out []persistence.Task
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		out = out[:0]
		parent, err := o.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if parent.Status.Terminal() {
			return apperr.New(apperr.CodeAlreadyTerminal, "task "+taskID+" is "+string(parent.Status),
				apperr.WithMetadata("task_id", taskID))
		}
		if parent.Status != persistence.TaskStatusInProgress {
			return apperr.Newf(apperr.CodeInvalidTransition, "cannot delegate a task in %s", parent.Status)
		}
		ids := make([]string, 0, len(inputs))
		for _, in := range inputs {
			child, err := o.createTx(ctx, tx, in, &fx)
			if err != nil {
				return err
			}
			if len(in.Assignees) > 0 {
				child, err = o.assignTx(ctx, tx, child.ID, in.Assignees, actor, &fx)
				if err != nil {
					return err
				}
			}
			ids = append(ids, child.ID)
			out = append(out, *child)
		}
		return tx.InsertActivity(ctx, &persistence.Activity{
			Type:     ActivityTaskDelegated,
			AgentID:  agentOrEmpty(o.registry, actor),
			TaskID:   taskID,
			Message:  fmt.Sprintf("delegated into %d subtasks", len(ids)),
			Metadata: map[string]string{"children": strings.Join(ids, ",")},
		})
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)
	return out, nil
}

// Escalate blocks a task whose agent reported low confidence and hands it to
// the lead agent. The confidence must be below the agent's threshold.
func (o *Orchestrator) Escalate(ctx context.Context, taskID, agentRef, reason string, confidence float64) (*persistence.Task, error) {
	if confidence < 0 || confidence > 1 {
		return nil, apperr.Newf(apperr.CodeValidation, "confidence %v outside [0,1]", confidence)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.CodeValidation, "escalation requires a reason")
	}
	actor := o.actorID(agentRef)
	threshold := o.registry.ThresholdFor(actor)
	if confidence >= threshold {
		return nil, apperr.Newf(apperr.CodeValidation, "confidence %.2f is not below threshold %.2f", confidence, threshold)
	}
	lead, hasLead := o.registry.Lead()

	unlock := o.lockTask(taskID)
	defer unlock()

	var task *persistence.Task
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		var err error
		task, err = o.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return apperr.New(apperr.CodeAlreadyTerminal, "task "+taskID+" is "+string(task.Status),
				apperr.WithMetadata("task_id", taskID))
		}
		conf := strconv.FormatFloat(confidence, 'f', 2, 64)
		if err := o.transitionTx(ctx, tx, task, persistence.TaskStatusBlocked, actor, "escalated: "+reason, &fx); err != nil {
			return err
		}
		md := map[string]string{
			"reason":     reason,
			"confidence": conf,
			"threshold":  strconv.FormatFloat(threshold, 'f', 2, 64),
		}
		if hasLead {
			md["lead"] = lead.ID
		}
		if err := tx.InsertActivity(ctx, &persistence.Activity{
			Type:     ActivityTaskEscalated,
			AgentID:  agentOrEmpty(o.registry, actor),
			TaskID:   task.ID,
			Message:  fmt.Sprintf("escalated at confidence %s: %s", conf, reason),
			Metadata: md,
		}); err != nil {
			return err
		}
		if hasLead && lead.ID != actor {
			created, err := tx.Subscribe(ctx, lead.ID, task.ID)
			if err != nil {
				return err
			}
			// An already subscribed lead was notified by the transition.
			if created {
				n := persistence.Notification{
					TargetAgentID: lead.ID,
					SourceAgentID: actor,
					TaskID:        task.ID,
					Content:       fmt.Sprintf("escalation on %q (confidence %s): %s", task.Title, conf, reason),
				}
				if err := tx.InsertNotification(ctx, &n); err != nil {
					return err
				}
				fx.notes = append(fx.notes, n)
			}
		}
		fx.publish(bus.TopicTaskEscalated, bus.TaskEvent{
			TaskID:    task.ID,
			ParentID:  task.ParentTaskID,
			SessionID: task.SessionID,
			From:      string(persistence.TaskStatusInProgress),
			To:        string(task.Status),
			Actor:     actor,
			Reason:    reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)
	o.logger.Warn("task escalated", "task_id", taskID, "agent_id", actor, "confidence", confidence, "threshold", threshold)
	return task, nil
}

// MessageInput is a message posted to a task thread.
type MessageInput struct {
	TaskID       string
	Author       string
	Content      string
	Confidence   *float64
	ThinkingMode string
	Attachments  []string
}

// PostMessage appends to a task thread, fans out to subscribers and
// mentioned agents, and escalates when the author's confidence is below
// its threshold.
func (o *Orchestrator) PostMessage(ctx context.Context, in MessageInput) (*persistence.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, apperr.New(apperr.CodeValidation, "message content is required")
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return nil, apperr.Newf(apperr.CodeValidation, "confidence %v outside [0,1]", *in.Confidence)
	}
	in.Author = o.actorID(in.Author)

	var msg *persistence.Message
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		task, err := o.loadTask(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return apperr.New(apperr.CodeAlreadyTerminal, "task "+task.ID+" is "+string(task.Status),
				apperr.WithMetadata("task_id", task.ID))
		}
		msg, err = o.appendMessageTx(ctx, tx, task, in, &fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.flush(&fx)

	if in.Confidence != nil && *in.Confidence < o.registry.ThresholdFor(in.Author) {
		if _, err := o.Escalate(ctx, in.TaskID, in.Author, "low confidence in message", *in.Confidence); err != nil {
			o.logger.Info("escalation after message skipped", "task_id", in.TaskID, "error", err)
		}
	}
	return msg, nil
}

func (o *Orchestrator) appendMessageTx(ctx context.Context, tx *persistence.Tx, task *persistence.Task, in MessageInput, fx *effects) (*persistence.Message, error) {
	var mentionIDs []string
	for _, name := range notify.ParseMentions(in.Content) {
		if p, ok := o.registry.ByName(name); ok {
			mentionIDs = append(mentionIDs, p.ID)
		}
	}
	msg := &persistence.Message{
		TaskID:       task.ID,
		FromAgentID:  in.Author,
		Content:      in.Content,
		Confidence:   in.Confidence,
		ThinkingMode: in.ThinkingMode,
		Mentions:     mentionIDs,
		Attachments:  in.Attachments,
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Get(in.Author); ok {
		if _, err := tx.Subscribe(ctx, in.Author, task.ID); err != nil {
			return nil, err
		}
	}
	md := map[string]string{"message_id": msg.ID}
	if len(mentionIDs) > 0 {
		md["mentions"] = strings.Join(mentionIDs, ",")
	}
	if err := tx.InsertActivity(ctx, &persistence.Activity{
		Type:     ActivityMessagePosted,
		AgentID:  agentOrEmpty(o.registry, in.Author),
		TaskID:   task.ID,
		Message:  excerpt(in.Content, 120),
		Metadata: md,
	}); err != nil {
		return nil, err
	}
	notes, err := o.fanout.MessageTx(ctx, tx, task.ID, excerpt(in.Content, 280), in.Author, mentionIDs)
	if err != nil {
		return nil, err
	}
	fx.notes = append(fx.notes, notes...)
	return msg, nil
}

func (o *Orchestrator) loadTask(ctx context.Context, tx *persistence.Tx, taskID string) (*persistence.Task, error) {
	return tx.GetTask(ctx, taskID)
}

// openChildren counts subtasks that are not yet done or cancelled.
func openChildren(ctx context.Context, tx *persistence.Tx, taskID string) (int, error) {
	children, err := tx.Children(ctx, taskID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range children {
		if !c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// Get returns NOT_FOUND for an unknown id.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// List accepts agent names as well as ids in the assignee filter.
func (o *Orchestrator) List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown status %q", filter.Status)
	}
	if filter.AssigneeID != "" {
		if p, ok := o.registry.Resolve(filter.AssigneeID); ok {
			filter.AssigneeID = p.ID
		}
	}
	return o.store.ListTasks(ctx, filter)
}

func (o *Orchestrator) Children(ctx context.Context, taskID string) ([]persistence.Task, error) {
	if _, err := o.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return o.store.Children(ctx, taskID)
}

func (o *Orchestrator) Messages(ctx context.Context, taskID string) ([]persistence.Message, error) {
	if _, err := o.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, taskID)
}

// Timeline returns the task's activities in the order they were written.
func (o *Orchestrator) Timeline(ctx context.Context, taskID string) ([]persistence.Activity, error) {
	if _, err := o.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return o.store.ListActivities(ctx, taskID, 1000)
}

func (o *Orchestrator) displayNames(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := o.registry.Get(id); ok {
			out = append(out, p.Name)
			continue
		}
		out = append(out, id)
	}
	return out
}

// actorID maps an agent name to its id. Other actors pass through.
func (o *Orchestrator) actorID(ref string) string {
	if p, ok := o.registry.Resolve(ref); ok {
		return p.ID
	}
	return ref
}

// agentOrEmpty keeps non-agent actors (users, "system") out of agent_id.
func agentOrEmpty(reg *agent.Registry, id string) string {
	if _, ok := reg.Get(id); ok {
		return id
	}
	return ""
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	in := make(map[string]bool, len(a))
	for _, v := range a {
		in[v] = true
	}
	for _, v := range b {
		if !in[v] {
			return false
		}
	}
	return true
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
