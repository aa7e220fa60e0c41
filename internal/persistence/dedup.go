package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/crewdesk/internal/apperr"
)

// LookupToolCall returns the stored result for an idempotency key. A key
// reused with a different request is a CONFLICT.
func (s *Store) LookupToolCall(ctx context.Context, key, requestHash string) (result string, found bool, err error) {
	var storedHash string
	err = s.db.QueryRowContext(ctx, `
		SELECT request_hash, result_json FROM tool_call_dedup WHERE idempotency_key = ?;
	`, key).Scan(&storedHash, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(fmt.Errorf("lookup tool call: %w", err))
	}
	if storedHash != requestHash {
		return "", false, apperr.Newf(apperr.CodeConflict, "idempotency key %q reused with a different request", key)
	}
	return result, true, nil
}

// RecordToolCall stores the result of a completed call. The first writer
// wins; later writers for the same key are ignored.
func (s *Store) RecordToolCall(ctx context.Context, key, toolName, requestHash, resultJSON string) error {
	_, err := s.exec(ctx, `
		INSERT OR IGNORE INTO tool_call_dedup (idempotency_key, tool_name, request_hash, result_json, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, key, toolName, requestHash, resultJSON, formatTime(s.now()))
	return err
}
