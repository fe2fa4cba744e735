// Package guard holds the atomic dedup and throttle primitives every
// inbound trigger passes through. Both primitives complete in a single
// Redis round trip, so concurrent instances cannot race a check
// against an act.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript increments the window counter and arms its expiry
// atomically.
const rateLimitScript = `local current = redis.call('INCR', KEYS[1])
if current == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return current`

type Guard struct {
	Redis *redis.Client

	IdempotencyTTL time.Duration
	Window         time.Duration
	MaxRequests    int64

	limiter *redis.Script
}

func New(rdb *redis.Client, idempotencyTTL, window time.Duration, maxRequests int64) *Guard {
	return &Guard{
		Redis:          rdb,
		IdempotencyTTL: idempotencyTTL,
		Window:         window,
		MaxRequests:    maxRequests,
		limiter:        redis.NewScript(rateLimitScript),
	}
}

// TryAcquire is an atomic set-if-absent: the first caller for the key
// within the TTL wins, everyone else is "already in progress".
func (g *Guard) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = g.IdempotencyTTL
	}
	return g.Redis.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
}

// Allow implements a fixed-window counter per key; the first hit in a
// window arms its expiry.
func (g *Guard) Allow(ctx context.Context, key string) (bool, error) {
	count, err := g.limiter.Run(ctx, g.Redis, []string{key}, g.Window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return count <= g.MaxRequests, nil
}

// ActionKey builds the idempotency key for a side-effecting user
// action: same logical operation + actor + target collapse into one
// execution.
func ActionKey(action string, userID int64, target string) string {
	return fmt.Sprintf("idemp:%s:%d:%s", action, userID, target)
}

// RateKey is the per-actor throttle key.
func RateKey(userID int64) string {
	return fmt.Sprintf("rl:user:%d", userID)
}

// CheckAction is the combined gate for a side-effecting trigger: the
// rate limit first, then the idempotency acquire. The throttle fails
// open on a backend error so a Redis outage does not block reads and
// retries, but the idempotency half fails closed: without the token
// there is no dedup, and letting a duplicate buy or replace through is
// worse than asking the user to retry.
func (g *Guard) CheckAction(ctx context.Context, action string, userID int64, target string, ttl time.Duration) Verdict {
	allowed, err := g.Allow(ctx, RateKey(userID))
	if err == nil && !allowed {
		return Verdict{Blocked: true, Throttled: true}
	}

	ok, err := g.TryAcquire(ctx, ActionKey(action, userID, target), ttl)
	if err != nil || !ok {
		return Verdict{Blocked: true, InProgress: true}
	}
	return Verdict{}
}

// Verdict tells the trigger layer why a request was blocked, so the
// losing side of a duplicate gets "already in progress" rather than an
// error.
type Verdict struct {
	Blocked    bool
	Throttled  bool
	InProgress bool
}
