package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// admitScript checks both counters and increments both, or neither. Redis
// runs scripts atomically, so this is the compare-and-increment.
//
// KEYS: minute counter, day counter.
// ARGV: minute ceiling, day ceiling, minute ttl ms, day ttl ms.
// Returns {1, 0} when admitted, {0, 1} for the minute window, {0, 2} for day.
var admitScript = redis.NewScript(`
local m = tonumber(redis.call('GET', KEYS[1]) or '0')
local d = tonumber(redis.call('GET', KEYS[2]) or '0')
local mlim = tonumber(ARGV[1])
local dlim = tonumber(ARGV[2])
if dlim > 0 and d >= dlim then return {0, 2} end
if mlim > 0 and m >= mlim then return {0, 1} end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {1, 0}
`)

// RedisLimiter shares counters across daemons through redis.
type RedisLimiter struct {
	client *redis.Client
	policy PolicySource
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, policy PolicySource) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: "crewdesk:rl", now: time.Now}
}

func (l *RedisLimiter) CheckAndConsume(ctx context.Context, agentID string) error {
	now := l.now()
	w := windowAt(now)
	limits := l.policy.LimitsFor(agentID)
	keys := []string{
		fmt.Sprintf("%s:%s:%s:%s", l.prefix, agentID, kindMinute, w.minuteKey),
		fmt.Sprintf("%s:%s:%s:%s", l.prefix, agentID, kindDay, w.dayKey),
	}
	minuteTTL := w.minuteEnd.Sub(now) + time.Second
	dayTTL := w.dayEnd.Sub(now) + time.Second
	res, err := admitScript.Run(ctx, l.client, keys,
		limits.PerMinute, limits.PerDay, minuteTTL.Milliseconds(), dayTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, err, "redis rate limit")
	}
	if len(res) != 2 {
		return apperr.Newf(apperr.CodeStorage, "redis rate limit: unexpected reply %v", res)
	}
	switch {
	case res[0] == 1:
		return nil
	case res[1] == 2:
		return exceeded(agentID, kindDay, w, now)
	default:
		return exceeded(agentID, kindMinute, w, now)
	}
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.CodeStorage, err, "redis ping")
	}
	return nil
}
