// Package ratelimit bounds repeated authentication failures and
// permission-probe abuse using Redis window counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports the outcome of a counter check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter implements fixed-window counting keyed by action and identifier.
// Counters rely on Redis INCR so concurrent requests cannot slip past the
// limit between read and write.
type Limiter struct {
	client *redis.Client
}

// NewLimiter constructs a Limiter.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Key returns the counter key for an action/identifier pair.
func Key(action, identifier string) string {
	return fmt.Sprintf("rate:%s:%s", action, identifier)
}

// CheckAndIncrement counts one request against the window. The first
// request in a window sets the expiry; once limit is reached further
// requests are denied with RetryAfter reflecting the remaining window.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identifier, action string, limit int, window time.Duration) (Result, error) {
	key := Key(action, identifier)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	if count > int64(limit) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: ttl: %w", err)
		}
		if ttl < 0 {
			// Counter without expiry: the first writer died before EXPIRE
			// landed. Re-arm so the window can close.
			ttl = window
			_ = l.client.Expire(ctx, key, window).Err()
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}

// Reset clears the counter for an action/identifier pair.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	if err := l.client.Del(ctx, Key(action, identifier)).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}
