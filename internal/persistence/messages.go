package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessage appends a message to its task thread.
func (t *Tx) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = t.now
	conf := sql.NullFloat64{}
	if m.Confidence != nil {
		conf = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, from_agent_id, content, confidence_score, thinking_mode, mentions, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, m.ID, m.TaskID, m.FromAgentID, m.Content, conf, m.ThinkingMode, encodeList(m.Mentions), encodeList(m.Attachments), formatTime(t.now))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a task's thread in posting order.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_agent_id, content, confidence_score, thinking_mode, mentions, attachments, created_at
		FROM messages WHERE task_id = ? ORDER BY created_at, rowid;
	`, taskID)
	if err != nil {
		return nil, classify(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var conf sql.NullFloat64
		var mentions, attachments, created string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.FromAgentID, &m.Content, &conf, &m.ThinkingMode, &mentions, &attachments, &created); err != nil {
			return nil, classify(fmt.Errorf("scan message: %w", err))
		}
		if conf.Valid {
			v := conf.Float64
			m.Confidence = &v
		}
		_ = json.Unmarshal([]byte(mentions), &m.Mentions)
		_ = json.Unmarshal([]byte(attachments), &m.Attachments)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// InsertActivity appends a timeline entry.
func (t *Tx) InsertActivity(ctx context.Context, a *Activity) error {
	md := "{}"
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal activity metadata: %w", err)
		}
		md = string(b)
	}
	a.CreatedAt = t.now
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO activities (type, agent_id, task_id, message, metadata, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
	`, a.Type, a.AgentID, a.TaskID, a.Message, md, formatTime(t.now))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// AppendActivity is InsertActivity in its own transaction.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertActivity(ctx, a)
	})
}

// ListActivities returns a task's timeline in insertion order. An empty
// taskID lists the most recent activities across all tasks.
func (s *Store) ListActivities(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if taskID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, COALESCE(agent_id, ''), COALESCE(task_id, ''), message, metadata, created_at
			FROM activities WHERE task_id = ? ORDER BY id LIMIT ?;
		`, taskID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, COALESCE(agent_id, ''), COALESCE(task_id, ''), message, metadata, created_at
			FROM (SELECT * FROM activities ORDER BY id DESC LIMIT ?) ORDER BY id;
		`, limit)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("list activities: %w", err))
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		var md, created string
		if err := rows.Scan(&a.ID, &a.Type, &a.AgentID, &a.TaskID, &a.Message, &md, &created); err != nil {
			return nil, classify(fmt.Errorf("scan activity: %w", err))
		}
		_ = json.Unmarshal([]byte(md), &a.Metadata)
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, classify(rows.Err())
}
