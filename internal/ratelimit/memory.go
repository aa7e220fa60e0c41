package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	count     int
	expiresAt time.Time
}

type memoryKey struct {
	agentID string
	kind    string
	key     string
}

// MemoryLimiter keeps counters in process. It is exact for a single daemon
// but forgets usage across restarts.
type MemoryLimiter struct {
	mu        sync.Mutex
	policy    PolicySource
	now       func() time.Time
	buckets   map[memoryKey]*memoryBucket
	lastSweep time.Time
}

func NewMemoryLimiter(policy PolicySource) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		now:     time.Now,
		buckets: make(map[memoryKey]*memoryBucket),
	}
}

// SetClock replaces the clock. Tests only.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLimiter) CheckAndConsume(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := windowAt(now)
	l.evictLocked(now)

	mk := memoryKey{agentID, kindMinute, w.minuteKey}
	dk := memoryKey{agentID, kindDay, w.dayKey}
	minute, day := l.buckets[mk], l.buckets[dk]
	var mc, dc int
	if minute != nil {
		mc = minute.count
	}
	if day != nil {
		dc = day.count
	}
	if kind := decide(l.policy.LimitsFor(agentID), mc, dc); kind != "" {
		return exceeded(agentID, kind, w, now)
	}
	if minute == nil {
		minute = &memoryBucket{expiresAt: w.minuteEnd}
		l.buckets[mk] = minute
	}
	if day == nil {
		day = &memoryBucket{expiresAt: w.dayEnd}
		l.buckets[dk] = day
	}
	minute.count++
	day.count++
	return nil
}

// evictLocked drops expired buckets at most once a minute.
func (l *MemoryLimiter) evictLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if !now.Before(b.expiresAt) {
			delete(l.buckets, k)
		}
	}
}

func (l *MemoryLimiter) Ping(context.Context) error { return nil }
