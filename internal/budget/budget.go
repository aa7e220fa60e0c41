// Package budget enforces per-tenant daily and monthly spend ceilings.
//
// Admission and recording for one tenant are serialized by a per-tenant
// mutex, and running totals are incremented in SQL rather than read and
// rewritten, so concurrent turns for the same tenant cannot lose updates.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/pricing"
)

// Limits are a tenant's ceilings in USD.
type Limits struct {
	DailyUSD   float64
	MonthlyUSD float64
}

// LimitSource resolves the configured ceilings for a tenant.
type LimitSource interface {
	BudgetFor(userID string) Limits
}

// StaticLimits applies one pair of limits to every tenant, with overrides.
type StaticLimits struct {
	Default Limits
	Tenants map[string]Limits
}

func (s StaticLimits) BudgetFor(userID string) Limits {
	if l, ok := s.Tenants[userID]; ok {
		return l
	}
	return s.Default
}

// CostInput describes one completed, billable call.
type CostInput struct {
	UserID           string
	AgentName        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	TaskID           string
}

// Status is a tenant's budget after any period reset.
type Status struct {
	persistence.UserBudget
	ReservedUSD         float64 `json:"reserved_usd"`
	RemainingDailyUSD   float64 `json:"remaining_daily_usd"`
	RemainingMonthlyUSD float64 `json:"remaining_monthly_usd"`
}

type Config struct {
	Store  *persistence.Store
	Limits LimitSource
	Logger *slog.Logger
}

type tenantState struct {
	mu       sync.Mutex
	reserved float64
}

type Enforcer struct {
	store   *persistence.Store
	limits  LimitSource
	logger  *slog.Logger
	now     func() time.Time
	tenants sync.Map // user id -> *tenantState
}

func New(cfg Config) *Enforcer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.Limits
	if limits == nil {
		limits = StaticLimits{}
	}
	return &Enforcer{store: cfg.Store, limits: limits, logger: logger, now: time.Now}
}

// SetClock replaces the clock used to pick the day and month. Tests only.
func (e *Enforcer) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Enforcer) state(userID string) *tenantState {
	v, _ := e.tenants.LoadOrStore(userID, &tenantState{})
	return v.(*tenantState)
}

// periodKeys returns the local calendar day and month.
func (e *Enforcer) periodKeys() (day, month string) {
	now := e.now().Local()
	return now.Format("2006-01-02"), now.Format("2006-01")
}

// refresh brings the tenant row up to date inside tx: limits from config,
// then reset-then-accumulate for any elapsed period.
func (e *Enforcer) refresh(ctx context.Context, tx *persistence.Tx, userID string) (*persistence.UserBudget, error) {
	day, month := e.periodKeys()
	l := e.limits.BudgetFor(userID)
	if err := tx.UpsertBudgetLimits(ctx, userID, l.DailyUSD, l.MonthlyUSD, day, month); err != nil {
		return nil, err
	}
	if err := tx.ResetBudgetPeriods(ctx, userID, day, month); err != nil {
		return nil, err
	}
	return tx.GetBudget(ctx, userID)
}

func (e *Enforcer) checkLocked(ctx context.Context, userID string, st *tenantState, estimate float64) error {
	if estimate < 0 {
		return apperr.New(apperr.CodeValidation, "cost estimate must not be negative")
	}
	return e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		b, err := e.refresh(ctx, tx, userID)
		if err != nil {
			return err
		}
		if day := pricing.Round(b.CurrentDaySpend + st.reserved + estimate); day > b.DailyLimitUSD {
			return e.denied(userID, "daily", day, b.DailyLimitUSD)
		}
		if month := pricing.Round(b.CurrentMonthSpend + st.reserved + estimate); month > b.MonthlyLimitUSD {
			return e.denied(userID, "monthly", month, b.MonthlyLimitUSD)
		}
		return nil
	})
}

func (e *Enforcer) denied(userID, period string, projected, limit float64) error {
	e.logger.Info("budget denied", "tenant_id", userID, "period", period, "projected_usd", projected, "limit_usd", limit)
	return apperr.New(apperr.CodeBudgetExceeded,
		fmt.Sprintf("tenant %s would exceed its %s budget (%.6f > %.6f)", userID, period, projected, limit),
		apperr.WithMetadata("tenant_id", userID),
		apperr.WithMetadata("period", period),
	)
}

// Check admits estimate against both ceilings without holding anything.
// Outstanding reservations count against the tenant.
func (e *Enforcer) Check(ctx context.Context, userID string, estimate float64) error {
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.checkLocked(ctx, userID, st, estimate)
}

// Record appends a cost entry and adds its cost to both running totals.
func (e *Enforcer) Record(ctx context.Context, in CostInput) error {
	st := e.state(in.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.recordLocked(ctx, in)
}

func (e *Enforcer) recordLocked(ctx context.Context, in CostInput) error {
	if in.UserID == "" {
		return apperr.New(apperr.CodeValidation, "user id required")
	}
	if in.CostUSD < 0 {
		return apperr.New(apperr.CodeValidation, "cost must not be negative")
	}
	cost := pricing.Round(in.CostUSD)
	return e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if _, err := e.refresh(ctx, tx, in.UserID); err != nil {
			return err
		}
		if err := tx.InsertCostEntry(ctx, &persistence.CostEntry{
			UserID:           in.UserID,
			AgentName:        in.AgentName,
			Model:            in.Model,
			PromptTokens:     in.PromptTokens,
			CompletionTokens: in.CompletionTokens,
			CostUSD:          cost,
			TaskID:           in.TaskID,
		}); err != nil {
			return err
		}
		return tx.AddSpend(ctx, in.UserID, cost)
	})
}

// Reservation holds an admitted estimate until the turn is billed or
// abandoned.
type Reservation struct {
	e      *Enforcer
	userID string
	amount float64
	once   sync.Once
}

// Admit is Check followed by holding estimate against the tenant, as one
// step. Concurrent admissions therefore see each other's estimates.
func (e *Enforcer) Admit(ctx context.Context, userID string, estimate float64) (*Reservation, error) {
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.checkLocked(ctx, userID, st, estimate); err != nil {
		return nil, err
	}
	amount := pricing.Round(estimate)
	st.reserved = pricing.Round(st.reserved + amount)
	return &Reservation{e: e, userID: userID, amount: amount}, nil
}

func (r *Reservation) release(st *tenantState) {
	st.reserved = pricing.Round(st.reserved - r.amount)
	if st.reserved < 0 {
		st.reserved = 0
	}
}

// Commit records the actual cost and frees the reservation. The reservation
// is freed even when recording fails.
func (r *Reservation) Commit(ctx context.Context, in CostInput) error {
	if r == nil {
		return nil
	}
	in.UserID = r.userID
	var err error
	r.once.Do(func() {
		st := r.e.state(r.userID)
		st.mu.Lock()
		defer st.mu.Unlock()
		r.release(st)
		err = r.e.recordLocked(ctx, in)
	})
	return err
}

// Release frees the reservation without billing anything. Safe to call
// after Commit.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		st := r.e.state(r.userID)
		st.mu.Lock()
		defer st.mu.Unlock()
		r.release(st)
	})
}

// Amount is the reserved estimate.
func (r *Reservation) Amount() float64 {
	if r == nil {
		return 0
	}
	return r.amount
}

// Status returns the tenant's totals after applying any period reset.
func (e *Enforcer) Status(ctx context.Context, userID string) (*Status, error) {
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out Status
	err := e.store.WithTx(ctx, func(tx *persistence.Tx) error {
		b, err := e.refresh(ctx, tx, userID)
		if err != nil {
			return err
		}
		out.UserBudget = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.ReservedUSD = st.reserved
	out.RemainingDailyUSD = pricing.Round(max(0, out.DailyLimitUSD-out.CurrentDaySpend-st.reserved))
	out.RemainingMonthlyUSD = pricing.Round(max(0, out.MonthlyLimitUSD-out.CurrentMonthSpend-st.reserved))
	return &out, nil
}
