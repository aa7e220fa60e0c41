// Package ratelimit admits agent turns against per-minute and per-day call
// ceilings. Every backend checks both windows and increments both counters as
// one atomic step, so concurrent callers for the same agent can never
// overshoot a ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
)

// Limits are the ceilings for one agent. Zero means unlimited.
type Limits struct {
	PerMinute int
	PerDay    int
}

// PolicySource resolves the ceilings for an agent id.
type PolicySource interface {
	LimitsFor(agentID string) Limits
}

// Policy is a static PolicySource.
type Policy struct {
	Default  Limits
	PerAgent map[string]Limits
}

func (p Policy) LimitsFor(agentID string) Limits {
	if l, ok := p.PerAgent[agentID]; ok {
		return l
	}
	return p.Default
}

// Limiter is the admission gate consulted before every agent turn.
type Limiter interface {
	// CheckAndConsume counts one call for agentID, or returns
	// RATE_LIMIT_EXCEEDED with a retry-after hint and counts nothing.
	CheckAndConsume(ctx context.Context, agentID string) error
	Ping(ctx context.Context) error
}

const (
	kindMinute = "minute"
	kindDay    = "day"
)

// window identifies the buckets a call at a given instant falls into. Day
// buckets follow the local calendar so they roll over at local midnight.
type window struct {
	minuteKey string
	dayKey    string
	minuteEnd time.Time
	dayEnd    time.Time
}

func windowAt(now time.Time) window {
	local := now.Local()
	minuteStart := local.Truncate(time.Minute)
	y, m, d := local.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, local.Location())
	return window{
		minuteKey: minuteStart.Format("200601021504"),
		dayKey:    dayStart.Format("20060102"),
		minuteEnd: minuteStart.Add(time.Minute),
		dayEnd:    dayStart.AddDate(0, 0, 1),
	}
}

// exceeded builds the rejection for the binding window. When the day ceiling
// is hit, waiting for the next minute would not help, so the hint points at
// the day boundary.
func exceeded(agentID, kind string, w window, now time.Time) error {
	until := w.minuteEnd
	if kind == kindDay {
		until = w.dayEnd
	}
	retry := until.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return apperr.New(apperr.CodeRateLimited,
		fmt.Sprintf("agent %s exceeded its per-%s call limit", agentID, kind),
		apperr.WithRetryAfter(retry),
		apperr.WithMetadata("agent_id", agentID),
		apperr.WithMetadata("window", kind),
	)
}

// decide applies the ceilings to the current counts and returns the window
// kind that rejects the call, or "".
func decide(l Limits, minuteCount, dayCount int) string {
	if l.PerDay > 0 && dayCount >= l.PerDay {
		return kindDay
	}
	if l.PerMinute > 0 && minuteCount >= l.PerMinute {
		return kindMinute
	}
	return ""
}
