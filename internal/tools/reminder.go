package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/cron"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
)

// ScheduleStore persists reminders for the cron scheduler.
type ScheduleStore interface {
	InsertSchedule(ctx context.Context, sched *persistence.Schedule) error
}

// ScheduleReminderInput is the input for schedule_reminder. Exactly one of
// Cron, At and InSeconds picks when the task is created.
type ScheduleReminderInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Cron        string   `json:"cron,omitempty"`
	At          string   `json:"at,omitempty"`
	InSeconds   int      `json:"in_seconds,omitempty"`
}

// ScheduleReminderOutput reports the stored reminder.
type ScheduleReminderOutput struct {
	ScheduleID string    `json:"schedule_id"`
	NextRunAt  time.Time `json:"next_run_at"`
	Recurring  bool      `json:"recurring"`
}

type scheduleReminderTool struct {
	store ScheduleStore
	now   func() time.Time
}

// NewScheduleReminder returns the schedule_reminder tool.
func NewScheduleReminder(store ScheduleStore) Tool {
	return scheduleReminderTool{store: store, now: time.Now}
}

func (scheduleReminderTool) Name() string { return "schedule_reminder" }

func (scheduleReminderTool) Description() string {
	return "Create a task later: once at a time (at, RFC 3339), once after a delay (in_seconds), or repeatedly on a 5-field cron expression (cron)."
}

func (scheduleReminderTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 8000},
    "priority": {"enum": ["low", "medium", "high"]},
    "assignees": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "cron": {"type": "string", "minLength": 1},
    "at": {"type": "string", "minLength": 1},
    "in_seconds": {"type": "integer", "minimum": 1, "maximum": 31536000}
  },
  "required": ["title"],
  "additionalProperties": false
}`)
}

func (t scheduleReminderTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in ScheduleReminderInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if t.store == nil {
		return nil, apperr.New(apperr.CodeValidation, "reminders are not available")
	}
	now := t.now()

	set := 0
	for _, ok := range []bool{in.Cron != "", in.At != "", in.InSeconds > 0} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, apperr.New(apperr.CodeValidation, "exactly one of cron, at, in_seconds is required")
	}

	var next time.Time
	switch {
	case in.Cron != "":
		n, err := cron.NextRunTime(in.Cron, now)
		if err != nil {
			return nil, err
		}
		next = n
	case in.At != "":
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(in.At))
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "at must be RFC 3339")
		}
		if !at.After(now) {
			return nil, apperr.New(apperr.CodeValidation, "at must be in the future")
		}
		next = at
	default:
		next = now.Add(time.Duration(in.InSeconds) * time.Second)
	}

	payload, err := json.Marshal(cron.Reminder{
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Assignees:   in.Assignees,
		Tags:        in.Tags,
	})
	if err != nil {
		return nil, err
	}
	sched := &persistence.Schedule{
		Name:      in.Title,
		CronExpr:  in.Cron,
		Payload:   string(payload),
		SessionID: shared.SessionID(ctx),
		TenantID:  shared.TenantID(ctx),
		CreatedBy: shared.AgentID(ctx),
		Enabled:   true,
		NextRunAt: &next,
	}
	if err := t.store.InsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return ScheduleReminderOutput{ScheduleID: sched.ID, NextRunAt: next, Recurring: in.Cron != ""}, nil
}
