package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateCount returns the counter for one bucket, zero when absent.
func (t *Tx) RateCount(ctx context.Context, agentID, kind, key string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT count FROM rate_counters WHERE agent_id = ? AND bucket_kind = ? AND bucket_key = ?;
	`, agentID, kind, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate counter: %w", err)
	}
	return n, nil
}

// IncrementRate bumps one bucket, creating it with the given expiry.
func (t *Tx) IncrementRate(ctx context.Context, agentID, kind, key string, expiresAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rate_counters (agent_id, bucket_kind, bucket_key, count, expires_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(agent_id, bucket_kind, bucket_key) DO UPDATE SET count = count + 1;
	`, agentID, kind, key, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("increment rate counter: %w", err)
	}
	return nil
}

// PurgeRateCounters deletes buckets that expired before now.
func (s *Store) PurgeRateCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM rate_counters WHERE expires_at < ?;`, formatTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
