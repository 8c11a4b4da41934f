// Package quota coordinates per-account execution slots across processes.
// Provider actions for one account must not run concurrently, so executors
// acquire a Redis-backed slot before placing the call and release it after.
package quota

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter reserves per-account execution slots using Redis counters.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	ttl          time.Duration
}

// NewLimiter constructs an execution limiter. The TTL bounds slot leakage
// when an executor dies mid-operation.
func NewLimiter(client *redis.Client, defaultLimit int, ttl time.Duration) *Limiter {
	if defaultLimit <= 0 {
		defaultLimit = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl}
}

// Acquire attempts to reserve an execution slot for the account.
func (l *Limiter) Acquire(ctx context.Context, accountID string, limit int) (bool, error) {
	if accountID == "" {
		return true, nil
	}
	if limit <= 0 {
		limit = l.defaultLimit
	}

	script := redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

	key := l.key(accountID)
	res, err := script.Run(ctx, l.client, []string{key}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("quota limiter acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	key := l.key(accountID)
	script := redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)
	if _, err := script.Run(ctx, l.client, []string{key}).Int(); err != nil {
		return fmt.Errorf("quota limiter release: %w", err)
	}
	return nil
}

func (l *Limiter) key(accountID string) string {
	return fmt.Sprintf("outreach:account:%s:inflight", accountID)
}
