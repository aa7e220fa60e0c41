package ratelimit

import (
	"context"
	"time"

	"github.com/basket/crewdesk/internal/persistence"
)

// StoreLimiter keeps counters in the rate_counters table. The read and both
// increments share one IMMEDIATE transaction, which serializes concurrent
// admissions for every agent on the store's write lock.
type StoreLimiter struct {
	store  *persistence.Store
	policy PolicySource
	now    func() time.Time
}

func NewStoreLimiter(store *persistence.Store, policy PolicySource) *StoreLimiter {
	return &StoreLimiter{store: store, policy: policy, now: time.Now}
}

func (l *StoreLimiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *StoreLimiter) CheckAndConsume(ctx context.Context, agentID string) error {
	now := l.now()
	w := windowAt(now)
	limits := l.policy.LimitsFor(agentID)
	return l.store.WithTx(ctx, func(tx *persistence.Tx) error {
		mc, err := tx.RateCount(ctx, agentID, kindMinute, w.minuteKey)
		if err != nil {
			return err
		}
		dc, err := tx.RateCount(ctx, agentID, kindDay, w.dayKey)
		if err != nil {
			return err
		}
		if kind := decide(limits, mc, dc); kind != "" {
			return exceeded(agentID, kind, w, now)
		}
		if err := tx.IncrementRate(ctx, agentID, kindMinute, w.minuteKey, w.minuteEnd); err != nil {
			return err
		}
		return tx.IncrementRate(ctx, agentID, kindDay, w.dayKey, w.dayEnd)
	})
}

// Purge removes expired counters. The dispatcher sweep calls it.
func (l *StoreLimiter) Purge(ctx context.Context) (int64, error) {
	return l.store.PurgeRateCounters(ctx, l.now())
}

func (l *StoreLimiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
