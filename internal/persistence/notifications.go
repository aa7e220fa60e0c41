package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Subscribe records (agentID, taskID). created is false when the pair
// already existed.
func (t *Tx) Subscribe(ctx context.Context, agentID, taskID string) (created bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO thread_subscriptions (agent_id, task_id, created_at) VALUES (?, ?, ?);
	`, agentID, taskID, formatTime(t.now))
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func subscribers(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT agent_id FROM thread_subscriptions WHERE task_id = ? ORDER BY created_at, agent_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *Tx) Subscribers(ctx context.Context, taskID string) ([]string, error) {
	return subscribers(ctx, t.tx, taskID)
}

func (s *Store) Subscribers(ctx context.Context, taskID string) ([]string, error) {
	out, err := subscribers(ctx, s.db, taskID)
	return out, classify(err)
}

// InsertNotification stores an undelivered notification.
func (t *Tx) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Delivered = false
	n.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, mentioned_agent_id, source_agent_id, task_id, content, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?);
	`, n.ID, n.TargetAgentID, n.SourceAgentID, n.TaskID, n.Content, formatTime(t.now))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns notifications for agentID (all agents when empty),
// oldest first. pendingOnly restricts to undelivered rows.
func (s *Store) ListNotifications(ctx context.Context, agentID string, pendingOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var where []string
	var args []any
	if agentID != "" {
		where = append(where, "mentioned_agent_id = ?")
		args = append(args, agentID)
	}
	if pendingOnly {
		where = append(where, "delivered = 0")
	}
	query := `SELECT id, mentioned_agent_id, source_agent_id, task_id, content, delivered, delivered_at, created_at FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list notifications: %w", err))
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var delivered int
		var deliveredAt sql.NullString
		var created string
		if err := rows.Scan(&n.ID, &n.TargetAgentID, &n.SourceAgentID, &n.TaskID, &n.Content, &delivered, &deliveredAt, &created); err != nil {
			return nil, classify(fmt.Errorf("scan notification: %w", err))
		}
		n.Delivered = delivered != 0
		n.DeliveredAt = timePtr(deliveredAt)
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, classify(rows.Err())
}

// MarkDelivered flips undelivered rows to delivered. Rows already delivered
// keep their original timestamp. Returns the number of rows changed.
func (s *Store) MarkDelivered(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		total = 0
		for _, id := range ids {
			res, err := tx.tx.ExecContext(ctx, `
				UPDATE notifications SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0;
			`, formatTime(tx.now), id)
			if err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
