package budget

import (
	"sync/atomic"

	"github.com/basket/crewdesk/internal/config"
)

// FromConfig converts the budget section of config.yaml.
func FromConfig(bc config.BudgetConfig) StaticLimits {
	out := StaticLimits{
		Default: Limits{DailyUSD: bc.DefaultDailyUSD, MonthlyUSD: bc.DefaultMonthlyUSD},
		Tenants: make(map[string]Limits, len(bc.Tenants)),
	}
	for name, tb := range bc.Tenants {
		l := Limits{DailyUSD: tb.DailyUSD, MonthlyUSD: tb.MonthlyUSD}
		if l.DailyUSD == 0 {
			l.DailyUSD = out.Default.DailyUSD
		}
		if l.MonthlyUSD == 0 {
			l.MonthlyUSD = out.Default.MonthlyUSD
		}
		out.Tenants[name] = l
	}
	return out
}

// LiveLimits is a LimitSource that can be swapped on config reload.
// In-flight reservations keep the ceiling they were admitted under.
type LiveLimits struct {
	cur atomic.Pointer[StaticLimits]
}

func NewLiveLimits(bc config.BudgetConfig) *LiveLimits {
	l := &LiveLimits{}
	l.Update(bc)
	return l
}

func (l *LiveLimits) Update(bc config.BudgetConfig) {
	next := FromConfig(bc)
	l.cur.Store(&next)
}

func (l *LiveLimits) BudgetFor(userID string) Limits {
	return l.cur.Load().BudgetFor(userID)
}
