package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/google/uuid"
)

const scheduleColumns = `id, name, cron_expr, payload, session_id, tenant_id, created_by, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error) (*Schedule, error) {
	var s Schedule
	var enabled int
	var next, last sql.NullString
	var created, updated string
	if err := scanFn(&s.ID, &s.Name, &s.CronExpr, &s.Payload, &s.SessionID, &s.TenantID, &s.CreatedBy,
		&enabled, &next, &last, &created, &updated); err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	s.NextRunAt = timePtr(next)
	s.LastRunAt = timePtr(last)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

func (s *Store) InsertSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.TenantID == "" {
		sched.TenantID = "default"
	}
	if sched.Payload == "" {
		sched.Payload = "{}"
	}
	now := s.now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err := s.exec(ctx, `
		INSERT INTO schedules (id, name, cron_expr, payload, session_id, tenant_id, created_by, enabled, next_run_at, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sched.ID, sched.Name, sched.CronExpr, sched.Payload, sched.SessionID, sched.TenantID, sched.CreatedBy,
		boolToInt(sched.Enabled), nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), formatTime(now), formatTime(now))
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "schedule %s not found", id)
	}
	return sched, classify(err)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list schedules: %w", err))
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, classify(fmt.Errorf("scan schedule: %w", err))
		}
		out = append(out, *sched)
	}
	return out, classify(rows.Err())
}

// ListSchedules returns every schedule, oldest first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, id;`)
}

// DueSchedules returns enabled schedules whose next run is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id;
	`, formatTime(now))
}

// UpdateScheduleRun records a firing. A nil next run disables the schedule.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, enabled = ?, updated_at = ?
		WHERE id = ?;
	`, formatTime(lastRun), nullTime(nextRun), boolToInt(nextRun != nil), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "schedule %s not found", id)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "schedule %s not found", id)
	}
	return nil
}
