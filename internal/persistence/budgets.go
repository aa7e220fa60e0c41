package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/crewdesk/internal/apperr"
)

// spendScale is the precision (decimal places) kept for running totals.
// Rounding each addition makes the stored total independent of the order
// concurrent records commit in.
const spendScale = 6

func getBudget(ctx context.Context, q querier, userID string) (*UserBudget, error) {
	var b UserBudget
	err := q.QueryRowContext(ctx, `
		SELECT user_id, daily_limit_usd, monthly_limit_usd, current_day_spend, current_month_spend, last_reset_day, last_reset_month
		FROM user_budgets WHERE user_id = ?;
	`, userID).Scan(&b.UserID, &b.DailyLimitUSD, &b.MonthlyLimitUSD, &b.CurrentDaySpend, &b.CurrentMonthSpend, &b.LastResetDay, &b.LastResetMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "no budget for %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return &b, nil
}

func (t *Tx) GetBudget(ctx context.Context, userID string) (*UserBudget, error) {
	return getBudget(ctx, t.tx, userID)
}

func (s *Store) GetBudget(ctx context.Context, userID string) (*UserBudget, error) {
	b, err := getBudget(ctx, s.db, userID)
	return b, classify(err)
}

// UpsertBudgetLimits creates the tenant row or refreshes its limits. Running
// totals are never touched here.
func (t *Tx) UpsertBudgetLimits(ctx context.Context, userID string, daily, monthly float64, day, month string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_budgets (user_id, daily_limit_usd, monthly_limit_usd, current_day_spend, current_month_spend, last_reset_day, last_reset_month, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			daily_limit_usd = excluded.daily_limit_usd,
			monthly_limit_usd = excluded.monthly_limit_usd;
	`, userID, daily, monthly, day, month, formatTime(t.now))
	if err != nil {
		return fmt.Errorf("upsert budget limits: %w", err)
	}
	return nil
}

// ResetBudgetPeriods zeroes the day and month totals whose stored reset key
// differs from the current one. Applying it twice is harmless.
func (t *Tx) ResetBudgetPeriods(ctx context.Context, userID, day, month string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE user_budgets SET
			current_day_spend = CASE WHEN last_reset_day <> ? THEN 0 ELSE current_day_spend END,
			current_month_spend = CASE WHEN last_reset_month <> ? THEN 0 ELSE current_month_spend END,
			last_reset_day = ?,
			last_reset_month = ?,
			updated_at = ?
		WHERE user_id = ?;
	`, day, month, day, month, formatTime(t.now), userID)
	if err != nil {
		return fmt.Errorf("reset budget periods: %w", err)
	}
	return nil
}

// AddSpend increments both running totals in place.
func (t *Tx) AddSpend(ctx context.Context, userID string, cost float64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE user_budgets SET
			current_day_spend = ROUND(current_day_spend + ?, ?),
			current_month_spend = ROUND(current_month_spend + ?, ?),
			updated_at = ?
		WHERE user_id = ?;
	`, cost, spendScale, cost, spendScale, formatTime(t.now), userID)
	if err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return apperr.Newf(apperr.CodeNotFound, "no budget for %s", userID)
	}
	return nil
}

func (t *Tx) InsertCostEntry(ctx context.Context, c *CostEntry) error {
	c.CreatedAt = t.now
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO cost_entries (user_id, agent_name, model, prompt_tokens, completion_tokens, cost_usd, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, c.UserID, c.AgentName, c.Model, c.PromptTokens, c.CompletionTokens, c.CostUSD, c.TaskID, formatTime(t.now))
	if err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// CostEntries lists a tenant's cost rows, oldest first.
func (s *Store) CostEntries(ctx context.Context, userID string, limit int) ([]CostEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_name, model, prompt_tokens, completion_tokens, cost_usd, task_id, created_at
		FROM cost_entries WHERE user_id = ? ORDER BY id LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list cost entries: %w", err))
	}
	defer rows.Close()
	var out []CostEntry
	for rows.Next() {
		var c CostEntry
		var created string
		if err := rows.Scan(&c.ID, &c.UserID, &c.AgentName, &c.Model, &c.PromptTokens, &c.CompletionTokens, &c.CostUSD, &c.TaskID, &created); err != nil {
			return nil, classify(fmt.Errorf("scan cost entry: %w", err))
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, classify(rows.Err())
}
