package gateway

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/config"
)

// requestLimiter throttles API requests per caller: per key name when
// authenticated, else per client IP. It guards the HTTP surface only;
// agent turns are governed by the ratelimit package.
type requestLimiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu      sync.Mutex
	callers map[string]*callerLimit
}

type callerLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRequestLimiter(cfg config.RateLimitConfig) *requestLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	return &requestLimiter{
		enabled: cfg.Enabled,
		limit:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		now:     time.Now,
		callers: map[string]*callerLimit{},
	}
}

func callerKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok && p.Name != "" {
		return "key:" + p.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// reserve takes one request from key's allowance. When the allowance is
// spent it returns how long until the next request would be admitted.
func (l *requestLimiter) reserve(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	c, ok := l.callers[key]
	if !ok {
		c = &callerLimit{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	res := c.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *requestLimiter) evictIdle(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, c := range l.callers {
		if c.lastSeen.Before(cutoff) {
			delete(l.callers, k)
			n++
		}
	}
	return n
}

func (l *requestLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// startEviction drops idle callers every interval until ctx ends.
func (l *requestLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.evictIdle(maxAge)
			}
		}
	}()
}

func (l *requestLimiter) wrap(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := callerKey(r)
		if ok, wait := l.reserve(key); !ok {
			wait = time.Duration(math.Ceil(wait.Seconds())) * time.Second
			writeError(w, apperr.New(apperr.CodeRateLimited, "too many requests",
				apperr.WithRetryAfter(wait), apperr.WithMetadata("caller", key)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
