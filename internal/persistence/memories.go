package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/google/uuid"
)

const memoryColumns = `id, agent_id, content, vector, source, created_at, last_accessed_at, access_count, archived`

func scanMemory(scanFn func(dest ...any) error) (*MemoryRecord, error) {
	var m MemoryRecord
	var vector, created, accessed string
	var archived int
	if err := scanFn(&m.ID, &m.AgentID, &m.Content, &vector, &m.Source, &created, &accessed, &m.AccessCount, &archived); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vector), &m.Vector); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	m.CreatedAt = parseTime(created)
	m.LastAccessedAt = parseTime(accessed)
	m.Archived = archived != 0
	return &m, nil
}

// InsertMemory stores a new active record. A fresh record counts as accessed
// at creation.
func (s *Store) InsertMemory(ctx context.Context, m *MemoryRecord) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now().UTC()
	m.CreatedAt = now
	m.LastAccessedAt = now
	m.Archived = false
	vec, err := json.Marshal(m.Vector)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "encode vector")
	}
	_, err = s.exec(ctx, `
		INSERT INTO embeddings (id, agent_id, content, vector, source, created_at, last_accessed_at, access_count, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0);
	`, m.ID, m.AgentID, m.Content, string(vec), m.Source, formatTime(now), formatTime(now), m.AccessCount)
	return err
}

func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM embeddings WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "memory %s not found", id)
	}
	return m, classify(err)
}

// ActiveMemories lists non-archived records. An empty agentID lists all.
func (s *Store) ActiveMemories(ctx context.Context, agentID string) ([]MemoryRecord, error) {
	query := `SELECT ` + memoryColumns + ` FROM embeddings WHERE archived = 0`
	var args []any
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id;`, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list memories: %w", err))
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, classify(fmt.Errorf("scan memory: %w", err))
		}
		out = append(out, *m)
	}
	return out, classify(rows.Err())
}

// TouchMemories records a retrieval hit on each id in one statement.
func (s *Store) TouchMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{formatTime(s.now())}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.exec(ctx, `
		UPDATE embeddings SET access_count = access_count + 1, last_accessed_at = ?
		WHERE archived = 0 AND id IN (`+placeholders+`);
	`, args...)
	return err
}

// ArchiveBatch archives up to limit records that were last accessed before
// cutoff and have fewer than floor accesses. Selection and update happen in a
// single statement, so a record touched concurrently is either refreshed
// before the sweep sees it or archived with its old values, never half of each.
func (s *Store) ArchiveBatch(ctx context.Context, cutoff time.Time, floor, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.exec(ctx, `
		UPDATE embeddings SET archived = 1, archived_at = ?
		WHERE id IN (
			SELECT id FROM embeddings
			WHERE archived = 0 AND last_accessed_at < ? AND access_count < ?
			ORDER BY last_accessed_at
			LIMIT ?
		);
	`, formatTime(s.now()), formatTime(cutoff), floor, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MemoryCounts returns the number of active and archived records.
func (s *Store) MemoryCounts(ctx context.Context) (active, archived int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN archived = 1 THEN 1 ELSE 0 END), 0)
		FROM embeddings;
	`).Scan(&active, &archived)
	if err != nil {
		return 0, 0, classify(fmt.Errorf("count memories: %w", err))
	}
	return active, archived, nil
}
