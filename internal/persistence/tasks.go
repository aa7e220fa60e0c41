package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/google/uuid"
)

const taskColumns = `id, title, description, status, priority, COALESCE(parent_task_id, ''), assignee_ids, tags,
	due_date, created_by, tenant_id, session_id, blocked_reason, version, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var assignees, tags, createdAt, updatedAt string
	var due sql.NullString
	if err := scanFn(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.ParentTaskID,
		&assignees, &tags, &due, &t.CreatedBy, &t.TenantID, &t.SessionID,
		&t.BlockedReason, &t.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assignees), &t.AssigneeIDs); err != nil {
		return nil, fmt.Errorf("decode assignee_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if t.AssigneeIDs == nil {
		t.AssigneeIDs = []string{}
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	t.DueDate = timePtr(due)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func getTask(ctx context.Context, q querier, id string) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := getTask(ctx, s.db, id)
	return t, classify(err)
}

func (t *Tx) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, t.tx, id)
}

// InsertTask stores a new task at version 1. ID, session and timestamps are
// filled in when empty.
func (t *Tx) InsertTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SessionID == "" {
		task.SessionID = uuid.NewString()
	}
	if task.TenantID == "" {
		task.TenantID = "default"
	}
	task.Version = 1
	task.CreatedAt = t.now
	task.UpdatedAt = t.now
	if task.AssigneeIDs == nil {
		task.AssigneeIDs = []string{}
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}
	parent := sql.NullString{String: task.ParentTaskID, Valid: task.ParentTaskID != ""}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, parent_task_id, assignee_ids, tags,
			due_date, created_by, tenant_id, session_id, blocked_reason, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?);
	`, task.ID, task.Title, task.Description, task.Status, task.Priority, parent,
		encodeList(task.AssigneeIDs), encodeList(task.Tags), nullTime(task.DueDate), task.CreatedBy,
		task.TenantID, task.SessionID, task.BlockedReason, formatTime(t.now), formatTime(t.now))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the mutable fields of task guarded by its version. On
// success task.Version is bumped; a concurrent writer yields CONFLICT.
func (t *Tx) UpdateTask(ctx context.Context, task *Task) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?, assignee_ids = ?, tags = ?,
			due_date = ?, blocked_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?;
	`, task.Title, task.Description, task.Status, task.Priority, encodeList(task.AssigneeIDs),
		encodeList(task.Tags), nullTime(task.DueDate), task.BlockedReason, formatTime(t.now),
		task.ID, task.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if n != 1 {
		return apperr.Newf(apperr.CodeConflict, "task %s was modified concurrently (version %d)", task.ID, task.Version)
	}
	task.Version++
	task.UpdatedAt = t.now
	return nil
}

// ParentChain returns the ancestor ids of taskID, nearest first. It stops at
// the first repeated id so a corrupted chain cannot loop forever.
func (t *Tx) ParentChain(ctx context.Context, taskID string) ([]string, error) {
	var chain []string
	seen := map[string]bool{taskID: true}
	cur := taskID
	for {
		var parent sql.NullString
		err := t.tx.QueryRowContext(ctx, `SELECT parent_task_id FROM tasks WHERE id = ?;`, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !parent.Valid) {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk parent chain: %w", err)
		}
		if seen[parent.String] {
			return append(chain, parent.String), nil
		}
		seen[parent.String] = true
		chain = append(chain, parent.String)
		cur = parent.String
	}
}

func listChildren(ctx context.Context, q querier, parentID string) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY created_at, id;
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (t *Tx) Children(ctx context.Context, parentID string) ([]Task, error) {
	return listChildren(ctx, t.tx, parentID)
}

func (s *Store) Children(ctx context.Context, parentID string) ([]Task, error) {
	out, err := listChildren(ctx, s.db, parentID)
	return out, classify(err)
}

// ListTasks returns tasks matching filter, most recently updated first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssigneeID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(tasks.assignee_ids) WHERE json_each.value = ?)")
		args = append(args, filter.AssigneeID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, classify(fmt.Errorf("scan task: %w", err))
		}
		out = append(out, *task)
	}
	return out, classify(rows.Err())
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, classify(fmt.Errorf("count tasks: %w", err))
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, classify(fmt.Errorf("scan task count: %w", err))
		}
		out[st] = n
	}
	return out, classify(rows.Err())
}
