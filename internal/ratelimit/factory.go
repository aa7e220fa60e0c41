package ratelimit

import (
	"fmt"

	"github.com/basket/crewdesk/internal/persistence"
	"github.com/redis/go-redis/v9"
)

// New builds the limiter named by backend. The redis client is only needed
// for the "redis" backend.
func New(backend string, policy PolicySource, store *persistence.Store, client *redis.Client) (Limiter, error) {
	switch backend {
	case "memory":
		return NewMemoryLimiter(policy), nil
	case "", "sqlite":
		if store == nil {
			return nil, fmt.Errorf("sqlite rate limiter requires a store")
		}
		return NewStoreLimiter(store, policy), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		return NewRedisLimiter(client, policy), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}
