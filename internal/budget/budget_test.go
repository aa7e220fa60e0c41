package budget_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/persistence"
)

func newEnforcer(t *testing.T, limits budget.LimitSource) (*budget.Enforcer, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return budget.New(budget.Config{Store: store, Limits: limits}), store
}

func TestEnforcer_DailyCeilingScenario(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 10, MonthlyUSD: 100}})
	ctx := context.Background()

	if err := e.Record(ctx, budget.CostInput{UserID: "u1", CostUSD: 9.50}); err != nil {
		t.Fatalf("seed spend: %v", err)
	}
	if err := e.Check(ctx, "u1", 0.60); !errors.Is(err, apperr.ErrBudgetExceeded) {
		t.Fatalf("expected BUDGET_EXCEEDED for 0.60, got %v", err)
	}
	res, err := e.Admit(ctx, "u1", 0.40)
	if err != nil {
		t.Fatalf("admit 0.40: %v", err)
	}
	if err := res.Commit(ctx, budget.CostInput{AgentName: "writer", Model: "gpt-4o", CostUSD: 0.40}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	st, err := e.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentDaySpend != 9.90 {
		t.Fatalf("day spend = %v, want 9.90", st.CurrentDaySpend)
	}
	if st.ReservedUSD != 0 {
		t.Fatalf("reservation not released: %v", st.ReservedUSD)
	}
}

func TestEnforcer_MonthlyCeiling(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 100, MonthlyUSD: 1}})
	ctx := context.Background()
	if err := e.Record(ctx, budget.CostInput{UserID: "u1", CostUSD: 0.9}); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := e.Check(ctx, "u1", 0.2)
	if !errors.Is(err, apperr.ErrBudgetExceeded) {
		t.Fatalf("expected monthly denial, got %v", err)
	}
	if md := apperr.CodeOf(err); md != apperr.CodeBudgetExceeded {
		t.Fatalf("code = %s", md)
	}
}

func TestEnforcer_ConcurrentRecordsAreExact(t *testing.T) {
	e, store := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 100, MonthlyUSD: 100}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Record(ctx, budget.CostInput{UserID: "u1", CostUSD: 0.01}); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	b, err := store.GetBudget(ctx, "u1")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if b.CurrentDaySpend != 0.5 || b.CurrentMonthSpend != 0.5 {
		t.Fatalf("lost updates: day=%v month=%v", b.CurrentDaySpend, b.CurrentMonthSpend)
	}
	entries, err := store.CostEntries(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("cost entries: %v", err)
	}
	if len(entries) != 50 {
		t.Fatalf("expected 50 cost entries, got %d", len(entries))
	}
}

func TestEnforcer_ConcurrentAdmitsRespectCeiling(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 1, MonthlyUSD: 10}})
	ctx := context.Background()

	var admitted, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Admit(ctx, "u1", 0.1)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, apperr.ErrBudgetExceeded):
				denied.Add(1)
			default:
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 10 || denied.Load() != 10 {
		t.Fatalf("admitted=%d denied=%d, want 10/10", admitted.Load(), denied.Load())
	}
}

func TestReservation_ReleaseFreesHeadroom(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 1, MonthlyUSD: 10}})
	ctx := context.Background()

	res, err := e.Admit(ctx, "u1", 0.8)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := e.Admit(ctx, "u1", 0.5); !errors.Is(err, apperr.ErrBudgetExceeded) {
		t.Fatalf("held reservation should block, got %v", err)
	}
	res.Release()
	res.Release()
	if err := res.Commit(ctx, budget.CostInput{CostUSD: 0.8}); err != nil {
		t.Fatalf("commit after release must be a no-op, got %v", err)
	}
	if _, err := e.Admit(ctx, "u1", 0.5); err != nil {
		t.Fatalf("released headroom should admit: %v", err)
	}
	st, _ := e.Status(ctx, "u1")
	if st.CurrentDaySpend != 0 {
		t.Fatalf("released reservation must not bill: %v", st.CurrentDaySpend)
	}
}

func TestEnforcer_DayResetKeepsMonth(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{Default: budget.Limits{DailyUSD: 5, MonthlyUSD: 50}})
	ctx := context.Background()
	day1 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	e.SetClock(func() time.Time { return day1 })
	if err := e.Record(ctx, budget.CostInput{UserID: "u1", CostUSD: 4}); err != nil {
		t.Fatalf("record: %v", err)
	}

	e.SetClock(func() time.Time { return day1.Add(24 * time.Hour) })
	st, err := e.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentDaySpend != 0 || st.CurrentMonthSpend != 4 {
		t.Fatalf("expected day reset only, got day=%v month=%v", st.CurrentDaySpend, st.CurrentMonthSpend)
	}
	if st.RemainingDailyUSD != 5 {
		t.Fatalf("remaining daily = %v", st.RemainingDailyUSD)
	}

	e.SetClock(func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.Local) })
	st, _ = e.Status(ctx, "u1")
	if st.CurrentMonthSpend != 0 {
		t.Fatalf("expected month reset, got %v", st.CurrentMonthSpend)
	}
}

func TestEnforcer_TenantOverridesAndValidation(t *testing.T) {
	e, _ := newEnforcer(t, budget.StaticLimits{
		Default: budget.Limits{DailyUSD: 1, MonthlyUSD: 1},
		Tenants: map[string]budget.Limits{"acme": {DailyUSD: 50, MonthlyUSD: 500}},
	})
	ctx := context.Background()
	if err := e.Check(ctx, "acme", 20); err != nil {
		t.Fatalf("acme override ignored: %v", err)
	}
	if err := e.Check(ctx, "other", 20); !errors.Is(err, apperr.ErrBudgetExceeded) {
		t.Fatalf("default limits should apply, got %v", err)
	}
	if err := e.Check(ctx, "acme", -1); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("negative estimate should be invalid, got %v", err)
	}
	if err := e.Record(ctx, budget.CostInput{UserID: "acme", CostUSD: -1}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("negative cost should be invalid, got %v", err)
	}
}
