package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
	"github.com/basket/crewdesk/internal/tools"
)

func startedTask(t *testing.T, f *fixture, title, assignee string) *persistence.Task {
	t.Helper()
	bg := context.Background()
	task, err := f.orch.Create(bg, orchestrator.CreateInput{Title: title})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err = f.orch.Assign(bg, task.ID, []string{assignee}, "boss")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return task
}

func TestCollabTools_DelegateFromTurn(t *testing.T) {
	f := newFixture(t, nil)
	if err := tools.RegisterCollabTools(f.tools, f.orch); err != nil {
		t.Fatalf("register: %v", err)
	}
	parent := startedTask(t, f, "launch", "coder")
	ctx := shared.WithTaskID(f.as(t, "Coder"), parent.ID)

	out, err := f.tools.Invoke(ctx, "task_delegate", json.RawMessage(`{"subtasks":[
		{"title":"write docs","assignees":["writer"]},
		{"title":"cut release","priority":"high"}
	]}`))
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	var res tools.TaskDelegateOutput
	decodeInto(t, out, &res)
	if res.ParentID != parent.ID || len(res.Subtasks) != 2 {
		t.Fatalf("delegate output = %+v", res)
	}
	if res.Subtasks[0].Status != string(persistence.TaskStatusInProgress) {
		t.Fatalf("assigned subtask status = %s", res.Subtasks[0].Status)
	}
	if res.Subtasks[1].Status != string(persistence.TaskStatusInbox) || res.Subtasks[1].Priority != "high" {
		t.Fatalf("unassigned subtask = %+v", res.Subtasks[1])
	}

	children, err := f.orch.Children(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}

	_, err = f.tools.Invoke(ctx, "task_delegate", json.RawMessage(`{"subtasks":[]}`))
	wantCode(t, err, apperr.CodeValidation)
}

func TestCollabTools_DelegateNeedsTask(t *testing.T) {
	f := newFixture(t, nil)
	if err := tools.RegisterCollabTools(f.tools, f.orch); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := f.tools.Invoke(f.as(t, "Coder"), "task_delegate", json.RawMessage(`{"subtasks":[{"title":"x"}]}`))
	wantCode(t, err, apperr.CodeValidation)

	inbox, err := f.orch.Create(context.Background(), orchestrator.CreateInput{Title: "not started"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.tools.Invoke(f.as(t, "Coder"), "task_delegate",
		json.RawMessage(`{"task_id":"`+inbox.ID+`","subtasks":[{"title":"x"}]}`))
	wantCode(t, err, apperr.CodeInvalidTransition)
}

func TestCollabTools_EscalateBelowThreshold(t *testing.T) {
	f := newFixture(t, nil)
	if err := tools.RegisterCollabTools(f.tools, f.orch); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := startedTask(t, f, "migrate billing", "coder")
	ctx := shared.WithTaskID(f.as(t, "Coder"), task.ID)

	_, err := f.tools.Invoke(ctx, "task_escalate", json.RawMessage(`{"reason":"fine actually","confidence":0.9}`))
	wantCode(t, err, apperr.CodeValidation)

	out, err := f.tools.Invoke(ctx, "task_escalate", json.RawMessage(`{"reason":"schema is ambiguous","confidence":0.3}`))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	var sum tools.TaskSummary
	decodeInto(t, out, &sum)
	if sum.Status != string(persistence.TaskStatusBlocked) || sum.Blocked == "" {
		t.Fatalf("escalated task = %+v", sum)
	}

	_, err = f.tools.Invoke(ctx, "task_escalate", json.RawMessage(`{"reason":"x","confidence":1.5}`))
	wantCode(t, err, apperr.CodeValidation)
}

func TestCollabTools_CommentMentions(t *testing.T) {
	f := newFixture(t, nil)
	if err := tools.RegisterCollabTools(f.tools, f.orch); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := startedTask(t, f, "review api", "coder")
	ctx := shared.WithTaskID(f.as(t, "Coder"), task.ID)

	out, err := f.tools.Invoke(ctx, "task_comment", json.RawMessage(`{"content":"@Writer can you check the examples?"}`))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	var res tools.TaskCommentOutput
	decodeInto(t, out, &res)
	writer, _ := f.reg.ByName("Writer")
	if res.TaskID != task.ID || res.MessageID == "" || len(res.Mentions) != 1 || res.Mentions[0] != writer.ID {
		t.Fatalf("comment output = %+v", res)
	}

	msgs, err := f.orch.Messages(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "@Writer can you check the examples?" {
		t.Fatalf("thread = %+v", msgs)
	}
}
