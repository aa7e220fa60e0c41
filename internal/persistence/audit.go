package persistence

import (
	"context"
	"fmt"
)

// InsertAuditEntry appends one audit row. Rows are immutable: the schema
// rejects UPDATE and DELETE on audit_log.
func (s *Store) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	res, err := s.exec(ctx, `
		INSERT INTO audit_log (session_id, task_id, agent, step_type, tool_name, content, success, duration_ms, iteration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, e.SessionID, e.TaskID, e.Agent, e.StepType, e.ToolName, e.Content, boolToInt(e.Success), e.DurationMS, e.Iteration, formatTime(e.CreatedAt))
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// AuditEntriesForSession returns a session's steps ordered by creation time,
// ties broken by insertion order.
func (s *Store) AuditEntriesForSession(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, task_id, agent, step_type, tool_name, content, success, duration_ms, iteration, created_at
		FROM audit_log WHERE session_id = ? ORDER BY created_at, id;
	`, sessionID)
	if err != nil {
		return nil, classify(fmt.Errorf("list audit entries: %w", err))
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var success int
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.Agent, &e.StepType, &e.ToolName, &e.Content, &success, &e.DurationMS, &e.Iteration, &created); err != nil {
			return nil, classify(fmt.Errorf("scan audit entry: %w", err))
		}
		e.Success = success != 0
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
