// Package cron fires stored reminders by creating tasks through the
// orchestrator. A reminder with a cron expression repeats; one without
// fires once and is disabled.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskCreator is the slice of the orchestrator a reminder needs.
type TaskCreator interface {
	Create(ctx context.Context, in orchestrator.CreateInput) (*persistence.Task, error)
}

// Reminder is the payload stored with a schedule: the task to create.
type Reminder struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
}

// ParseReminder decodes and checks a stored payload.
func ParseReminder(payload string) (Reminder, error) {
	var r Reminder
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return r, apperr.Wrap(apperr.CodeValidation, err, "decode reminder payload")
	}
	if strings.TrimSpace(r.Title) == "" {
		return r, apperr.New(apperr.CodeValidation, "reminder needs a title")
	}
	return r, nil
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Creator  TaskCreator
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler periodically queries the store for due reminders and creates
// a task for each one.
type Scheduler struct {
	store    *persistence.Store
	creator  TaskCreator
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		creator:  cfg.Creator,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
}

// Start runs the loop in a background goroutine until ctx ends or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("reminder scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due reminder once and returns how many tasks it created.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("query due reminders failed", "error", err)
		return 0
	}
	fired := 0
	for _, sched := range due {
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) bool {
	next, err := nextAfter(sched.CronExpr, now)
	if err != nil {
		// A stored expression that no longer parses would fire every tick.
		s.logger.Error("bad cron expression, disabling reminder", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		_ = s.store.UpdateScheduleRun(ctx, sched.ID, now, nil)
		return false
	}

	r, err := ParseReminder(sched.Payload)
	if err != nil {
		s.logger.Error("bad reminder payload, disabling reminder", "schedule_id", sched.ID, "error", err)
		_ = s.store.UpdateScheduleRun(ctx, sched.ID, now, nil)
		return false
	}

	task, err := s.creator.Create(ctx, orchestrator.CreateInput{
		Title:       r.Title,
		Description: r.Description,
		Priority:    persistence.Priority(r.Priority),
		ParentID:    r.ParentID,
		Assignees:   r.Assignees,
		Tags:        r.Tags,
		CreatedBy:   sched.CreatedBy,
		TenantID:    sched.TenantID,
		SessionID:   sched.SessionID,
	})
	if err != nil {
		s.logger.Error("create task for reminder failed",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		if apperr.IsRetryable(err) {
			return false
		}
		// Validation failures will not get better on the next tick.
		_ = s.store.UpdateScheduleRun(ctx, sched.ID, now, nil)
		return false
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("update reminder run failed", "schedule_id", sched.ID, "error", err)
		return true
	}

	s.logger.Info("reminder fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", task.ID,
		"next_run_at", next,
	)
	return true
}

func nextAfter(expr string, now time.Time) (*time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	next, err := NextRunTime(expr, now)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.CodeValidation, err, fmt.Sprintf("invalid cron expression %q", cronExpr))
	}
	return sched.Next(after), nil
}
