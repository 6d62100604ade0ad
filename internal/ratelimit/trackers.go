package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Actions counted by the trackers.
const (
	ActionLogin      = "login"
	ActionAuthzProbe = "authz_probe"
)

// LockoutTracker locks an identifier out of authentication after repeated
// failures within the configured window.
type LockoutTracker struct {
	limiter     *Limiter
	maxFailures int
	window      time.Duration
}

// NewLockoutTracker constructs a LockoutTracker.
func NewLockoutTracker(limiter *Limiter, maxFailures int, window time.Duration) *LockoutTracker {
	return &LockoutTracker{limiter: limiter, maxFailures: maxFailures, window: window}
}

// RecordFailure counts one authentication failure. Allowed=false means the
// identifier is now locked for RetryAfter.
func (t *LockoutTracker) RecordFailure(ctx context.Context, identifier string) (Result, error) {
	return t.limiter.CheckAndIncrement(ctx, identifier, ActionLogin, t.maxFailures, t.window)
}

// Locked reports whether the identifier has exhausted its failure budget
// without consuming an attempt. Infrastructure errors surface to the
// caller; only a missing key reads as "no recorded failures".
func (t *LockoutTracker) Locked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	key := Key(ActionLogin, identifier)
	count, err := t.limiter.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("ratelimit: read lockout counter: %w", err)
	}
	if count < int64(t.maxFailures) {
		return false, 0, nil
	}
	ttl, err := t.limiter.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = t.window
	}
	return true, ttl, nil
}

// Clear resets the failure counter after a successful authentication.
func (t *LockoutTracker) Clear(ctx context.Context, identifier string) error {
	return t.limiter.Reset(ctx, identifier, ActionLogin)
}

// ProbeTracker watches for permission-probe abuse: many denials from a
// single actor in a short window escalate to a security alert rather than
// a log line.
type ProbeTracker struct {
	limiter    *Limiter
	maxDenials int
	window     time.Duration
}

// NewProbeTracker constructs a ProbeTracker.
func NewProbeTracker(limiter *Limiter, maxDenials int, window time.Duration) *ProbeTracker {
	return &ProbeTracker{limiter: limiter, maxDenials: maxDenials, window: window}
}

// RecordDenial counts one denied permission check for the actor. Escalate
// is true while the actor is over its denial budget for the window.
func (t *ProbeTracker) RecordDenial(ctx context.Context, identifier string) (escalate bool, err error) {
	res, err := t.limiter.CheckAndIncrement(ctx, identifier, ActionAuthzProbe, t.maxDenials, t.window)
	if err != nil {
		return false, err
	}
	return !res.Allowed, nil
}
