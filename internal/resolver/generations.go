package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/authcore-io/authcore/internal/store"
)

// Generations maintains the monotonic per-(user, tenant) counters used to
// invalidate cached decisions without locking. A mutation bumps the
// counter before the mutating call returns; cache entries tagged with an
// older generation are treated as misses regardless of remaining TTL.
type Generations struct {
	client *redis.Client
}

// NewGenerations constructs a Generations tracker.
func NewGenerations(client *redis.Client) *Generations {
	return &Generations{client: client}
}

func genKey(userID, tenantID int64) string {
	return fmt.Sprintf("permgen:%d:%d", userID, tenantID)
}

// Current returns the generation for a (user, tenant) pair. A pair with no
// recorded mutations is at generation zero.
func (g *Generations) Current(ctx context.Context, userID, tenantID int64) (int64, error) {
	val, err := g.client.Get(ctx, genKey(userID, tenantID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("resolver: generation get: %w", err)
	}
	return val, nil
}

// Bump advances the generation for a (user, tenant) pair, invalidating all
// cached decisions computed under earlier generations.
func (g *Generations) Bump(ctx context.Context, userID, tenantID int64) error {
	if err := g.client.Incr(ctx, genKey(userID, tenantID)).Err(); err != nil {
		return fmt.Errorf("resolver: generation bump: %w", err)
	}
	return nil
}

// BumpAll advances generations for every subject. Used after role-level
// mutations that affect many assignees at once.
func (g *Generations) BumpAll(ctx context.Context, subjects []store.Subject) error {
	if len(subjects) == 0 {
		return nil
	}
	pipe := g.client.Pipeline()
	for _, s := range subjects {
		pipe.Incr(ctx, genKey(s.UserID, s.TenantID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resolver: generation bump all: %w", err)
	}
	return nil
}
