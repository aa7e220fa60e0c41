package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
)

// TaskService is the orchestrator surface the task tools drive.
type TaskService interface {
	Create(ctx context.Context, in orchestrator.CreateInput) (*persistence.Task, error)
	List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error)
	Advance(ctx context.Context, taskID string, to persistence.TaskStatus, actor, reason string) (*persistence.Task, error)
}

// TaskCreateInput is the input for task_create.
type TaskCreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// DueDate is RFC 3339.
	DueDate string `json:"due_date,omitempty"`
}

// TaskListInput is the input for task_list.
type TaskListInput struct {
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// TaskUpdateInput is the input for task_update. One status change per call.
type TaskUpdateInput struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// TaskSummary is how tools report a task back to the model.
type TaskSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	AssigneeIDs []string `json:"assignee_ids"`
	Blocked     string   `json:"blocked_reason,omitempty"`
}

// TaskListOutput is the output of task_list.
type TaskListOutput struct {
	Tasks []TaskSummary `json:"tasks"`
	Count int           `json:"count"`
}

func summarize(t *persistence.Task) TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Title:       t.Title,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		ParentID:    t.ParentTaskID,
		AssigneeIDs: t.AssigneeIDs,
		Blocked:     t.BlockedReason,
	}
}

func decode(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "decode tool input")
	}
	return nil
}

type taskCreateTool struct{ svc TaskService }

// NewTaskCreate returns the task_create tool.
func NewTaskCreate(svc TaskService) Tool { return taskCreateTool{svc: svc} }

func (taskCreateTool) Name() string { return "task_create" }

func (taskCreateTool) Description() string {
	return "Create a task in the inbox. Assignees are proposals; the task starts when it is assigned."
}

func (taskCreateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 8000},
    "priority": {"enum": ["low", "medium", "high"]},
    "parent_id": {"type": "string"},
    "assignees": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 10},
    "tags": {"type": "array", "items": {"type": "string"}, "maxItems": 20},
    "due_date": {"type": "string"}
  },
  "required": ["title"],
  "additionalProperties": false
}`)
}

func (t taskCreateTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskCreateInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	var due *time.Time
	if s := strings.TrimSpace(in.DueDate); s != "" {
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "due_date must be RFC 3339")
		}
		due = &d
	}
	task, err := t.svc.Create(ctx, orchestrator.CreateInput{
		Title:       in.Title,
		Description: in.Description,
		Priority:    persistence.Priority(in.Priority),
		ParentID:    in.ParentID,
		Assignees:   in.Assignees,
		Tags:        in.Tags,
		DueDate:     due,
		CreatedBy:   shared.AgentID(ctx),
		TenantID:    shared.TenantID(ctx),
		SessionID:   shared.SessionID(ctx),
	})
	if err != nil {
		return nil, err
	}
	return summarize(task), nil
}

type taskListTool struct{ svc TaskService }

// NewTaskList returns the task_list tool.
func NewTaskList(svc TaskService) Tool { return taskListTool{svc: svc} }

func (taskListTool) Name() string   { return "task_list" }
func (taskListTool) ReadOnly() bool { return true }

func (taskListTool) Description() string {
	return "List tasks, optionally filtered by status, assignee or parent."
}

func (taskListTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "status": {"enum": ["inbox", "in_progress", "blocked", "done", "cancelled"]},
    "assignee": {"type": "string"},
    "parent_id": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 200}
  },
  "additionalProperties": false
}`)
}

func (t taskListTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskListInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Limit == 0 {
		in.Limit = 50
	}
	tasks, err := t.svc.List(ctx, persistence.TaskFilter{
		Status:     persistence.TaskStatus(in.Status),
		AssigneeID: in.Assignee,
		ParentID:   in.ParentID,
		TenantID:   shared.TenantID(ctx),
		Limit:      in.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := TaskListOutput{Tasks: make([]TaskSummary, 0, len(tasks))}
	for i := range tasks {
		out.Tasks = append(out.Tasks, summarize(&tasks[i]))
	}
	out.Count = len(out.Tasks)
	return out, nil
}

type taskUpdateTool struct{ svc TaskService }

// NewTaskUpdate returns the task_update tool.
func NewTaskUpdate(svc TaskService) Tool { return taskUpdateTool{svc: svc} }

func (taskUpdateTool) Name() string { return "task_update" }

func (taskUpdateTool) Description() string {
	return "Move a task along its lifecycle: in_progress, blocked (reason required), done or cancelled."
}

func (taskUpdateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["in_progress", "blocked", "done", "cancelled"]},
    "reason": {"type": "string", "maxLength": 2000}
  },
  "required": ["task_id", "status"],
  "additionalProperties": false
}`)
}

func (t taskUpdateTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskUpdateInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	task, err := t.svc.Advance(ctx, in.TaskID, persistence.TaskStatus(in.Status), shared.AgentID(ctx), in.Reason)
	if err != nil {
		return nil, err
	}
	return summarize(task), nil
}

// RegisterTaskTools adds the four built-in tools.
func RegisterTaskTools(r *Registry, svc TaskService, schedules ScheduleStore) error {
	for _, t := range []Tool{
		NewTaskCreate(svc),
		NewTaskList(svc),
		NewTaskUpdate(svc),
		NewScheduleReminder(schedules),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
