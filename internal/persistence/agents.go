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

const agentColumns = `id, name, role, level, status, COALESCE(current_task_id, ''), model_config, last_heartbeat, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var a Agent
	var modelConfig, createdAt, updatedAt string
	var heartbeat sql.NullString
	if err := scanFn(&a.ID, &a.Name, &a.Role, &a.Level, &a.Status, &a.CurrentTaskID, &modelConfig, &heartbeat, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if modelConfig != "" {
		_ = json.Unmarshal([]byte(modelConfig), &a.ModelConfig)
	}
	a.LastHeartbeat = timePtr(heartbeat)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// UpsertAgent creates the agent or refreshes role, level and model config for
// an existing name. The stored row is returned; IDs are stable across calls.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (*Agent, error) {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return nil, apperr.New(apperr.CodeValidation, "agent name required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ModelConfig == nil {
		a.ModelConfig = map[string]string{}
	}
	mc, err := json.Marshal(a.ModelConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal model config: %w", err)
	}

	var out *Agent
	err = s.WithTx(ctx, func(tx *Tx) error {
		now := formatTime(tx.now)
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, role, level, status, model_config, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'idle', ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				role = excluded.role,
				level = excluded.level,
				model_config = excluded.model_config,
				updated_at = excluded.updated_at;
		`, a.ID, a.Name, a.Role, a.Level, string(mc), now, now); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		got, err := getAgentByName(ctx, tx.tx, a.Name)
		out = got
		return err
	})
	return out, err
}

func getAgent(ctx context.Context, q querier, id string) (*Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func getAgentByName(ctx context.Context, q querier, name string) (*Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?;`, name).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "agent %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := getAgent(ctx, s.db, id)
	return a, classify(err)
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	a, err := getAgentByName(ctx, s.db, name)
	return a, classify(err)
}

// ListAgents returns every agent, leads first, then by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		ORDER BY CASE level WHEN 'lead' THEN 0 ELSE 1 END, created_at, name;
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("list agents: %w", err))
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, classify(fmt.Errorf("scan agent: %w", err))
		}
		out = append(out, *a)
	}
	return out, classify(rows.Err())
}

func (t *Tx) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return getAgent(ctx, t.tx, id)
}

// MissingAgents returns the subset of ids with no agents row.
func (t *Tx) MissingAgents(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?;`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check agent: %w", err)
		}
	}
	return missing, nil
}

// SetCurrentTask points each agent's weak current-task reference at taskID.
func (t *Tx) SetCurrentTask(ctx context.Context, taskID string, agentIDs []string) error {
	for _, id := range agentIDs {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE agents SET current_task_id = ?, status = 'active', updated_at = ? WHERE id = ?;
		`, taskID, formatTime(t.now), id); err != nil {
			return fmt.Errorf("set current task: %w", err)
		}
	}
	return nil
}

// ClearCurrentTask drops the weak reference from every agent pointing at
// taskID.
func (t *Tx) ClearCurrentTask(ctx context.Context, taskID string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE agents SET current_task_id = NULL,
			status = CASE WHEN status = 'active' THEN 'idle' ELSE status END,
			updated_at = ?
		WHERE current_task_id = ?;
	`, formatTime(t.now), taskID); err != nil {
		return fmt.Errorf("clear current task: %w", err)
	}
	return nil
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.exec(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?;`, status, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "agent %s not found", id)
	}
	return nil
}

// TouchHeartbeat records that the agent is alive.
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	now := formatTime(s.now())
	res, err := s.exec(ctx, `UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?;`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "agent %s not found", id)
	}
	return nil
}
