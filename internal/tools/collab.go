package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
)

// CollabService is the orchestrator surface for agents working together on
// a task: splitting it up, asking for help and talking in its thread.
type CollabService interface {
	Delegate(ctx context.Context, taskID string, subtasks []orchestrator.SubtaskInput, actor string) ([]persistence.Task, error)
	Escalate(ctx context.Context, taskID, agentRef, reason string, confidence float64) (*persistence.Task, error)
	PostMessage(ctx context.Context, in orchestrator.MessageInput) (*persistence.Message, error)
}

// currentTask picks the explicit task id or the one the turn is running on.
func currentTask(ctx context.Context, explicit string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if id := shared.TaskID(ctx); id != "" {
		return id, nil
	}
	return "", apperr.New(apperr.CodeValidation, "task_id is required outside a task turn")
}

// TaskDelegateInput is the input for task_delegate.
type TaskDelegateInput struct {
	TaskID   string            `json:"task_id,omitempty"`
	Subtasks []DelegateSubtask `json:"subtasks"`
}

type DelegateSubtask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TaskDelegateOutput is the output of task_delegate.
type TaskDelegateOutput struct {
	ParentID string        `json:"parent_id"`
	Subtasks []TaskSummary `json:"subtasks"`
}

type taskDelegateTool struct{ svc CollabService }

// NewTaskDelegate returns the task_delegate tool.
func NewTaskDelegate(svc CollabService) Tool { return taskDelegateTool{svc: svc} }

func (taskDelegateTool) Name() string { return "task_delegate" }

func (taskDelegateTool) Description() string {
	return "Split an in-progress task into subtasks. The parent waits until every subtask is done or cancelled."
}

func (taskDelegateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "subtasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string", "minLength": 1, "maxLength": 200},
          "description": {"type": "string", "maxLength": 8000},
          "priority": {"enum": ["low", "medium", "high"]},
          "assignees": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 10},
          "tags": {"type": "array", "items": {"type": "string"}, "maxItems": 20}
        },
        "required": ["title"],
        "additionalProperties": false
      }
    }
  },
  "required": ["subtasks"],
  "additionalProperties": false
}`)
}

func (t taskDelegateTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskDelegateInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	parent, err := currentTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	subs := make([]orchestrator.SubtaskInput, len(in.Subtasks))
	for i, s := range in.Subtasks {
		subs[i] = orchestrator.SubtaskInput{
			Title:       s.Title,
			Description: s.Description,
			Priority:    persistence.Priority(s.Priority),
			Assignees:   s.Assignees,
			Tags:        s.Tags,
		}
	}
	children, err := t.svc.Delegate(ctx, parent, subs, shared.AgentID(ctx))
	if err != nil {
		return nil, err
	}
	out := TaskDelegateOutput{ParentID: parent, Subtasks: make([]TaskSummary, 0, len(children))}
	for i := range children {
		out.Subtasks = append(out.Subtasks, summarize(&children[i]))
	}
	return out, nil
}

// TaskEscalateInput is the input for task_escalate.
type TaskEscalateInput struct {
	TaskID     string  `json:"task_id,omitempty"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type taskEscalateTool struct{ svc CollabService }

// NewTaskEscalate returns the task_escalate tool.
func NewTaskEscalate(svc CollabService) Tool { return taskEscalateTool{svc: svc} }

func (taskEscalateTool) Name() string { return "task_escalate" }

func (taskEscalateTool) Description() string {
	return "Block a task and hand it to the lead when you are not confident enough to continue. Confidence must be below your threshold."
}

func (taskEscalateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "reason": {"type": "string", "minLength": 1, "maxLength": 2000},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["reason", "confidence"],
  "additionalProperties": false
}`)
}

func (t taskEscalateTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskEscalateInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	taskID, err := currentTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	task, err := t.svc.Escalate(ctx, taskID, shared.AgentID(ctx), in.Reason, in.Confidence)
	if err != nil {
		return nil, err
	}
	return summarize(task), nil
}

// TaskCommentInput is the input for task_comment.
type TaskCommentInput struct {
	TaskID      string   `json:"task_id,omitempty"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// TaskCommentOutput is the output of task_comment.
type TaskCommentOutput struct {
	MessageID string   `json:"message_id"`
	TaskID    string   `json:"task_id"`
	Mentions  []string `json:"mentions,omitempty"`
}

type taskCommentTool struct{ svc CollabService }

// NewTaskComment returns the task_comment tool.
func NewTaskComment(svc CollabService) Tool { return taskCommentTool{svc: svc} }

func (taskCommentTool) Name() string { return "task_comment" }

func (taskCommentTool) Description() string {
	return "Post to a task's thread. Mention teammates with @name to notify them; @all notifies everyone."
}

func (taskCommentTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "content": {"type": "string", "minLength": 1, "maxLength": 8000},
    "attachments": {"type": "array", "items": {"type": "string"}, "maxItems": 10}
  },
  "required": ["content"],
  "additionalProperties": false
}`)
}

func (t taskCommentTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in TaskCommentInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	taskID, err := currentTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	msg, err := t.svc.PostMessage(ctx, orchestrator.MessageInput{
		TaskID:      taskID,
		Author:      shared.AgentID(ctx),
		Content:     in.Content,
		Attachments: in.Attachments,
	})
	if err != nil {
		return nil, err
	}
	return TaskCommentOutput{MessageID: msg.ID, TaskID: msg.TaskID, Mentions: msg.Mentions}, nil
}

// RegisterCollabTools adds task_delegate, task_escalate and task_comment.
func RegisterCollabTools(r *Registry, svc CollabService) error {
	for _, t := range []Tool{
		NewTaskDelegate(svc),
		NewTaskEscalate(svc),
		NewTaskComment(svc),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
