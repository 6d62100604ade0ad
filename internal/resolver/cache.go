package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores boolean decisions keyed by the full check tuple. Every
// entry carries the generation it was computed under; an entry from a
// stale generation is a miss even before its TTL elapses. Writes are
// last-writer-wins per key, which is safe because the generation tag keeps
// a late write from a stale computation from resurrecting an invalidated
// decision.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a decision cache with the given TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// CacheKey builds the canonical decision cache key.
func CacheKey(userID, tenantID int64, resourceType, action, resourceID string) string {
	key := fmt.Sprintf("perm:%d:%d:%s:%s", userID, tenantID, resourceType, action)
	if resourceID != "" {
		key += ":" + resourceID
	}
	return key
}

// Get returns the cached decision for key if present and computed under
// the given generation.
func (c *Cache) Get(ctx context.Context, key string, gen int64) (granted, ok bool, err error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("resolver: cache get: %w", err)
	}
	entryGen, value, found := strings.Cut(raw, ":")
	if !found {
		return false, false, nil
	}
	g, err := strconv.ParseInt(entryGen, 10, 64)
	if err != nil || g != gen {
		// Stale generation or garbage: miss.
		return false, false, nil
	}
	return value == "true", true, nil
}

// Set stores a decision tagged with the generation it was computed under.
func (c *Cache) Set(ctx context.Context, key string, gen int64, granted bool) error {
	value := strconv.FormatInt(gen, 10) + ":" + strconv.FormatBool(granted)
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("resolver: cache set: %w", err)
	}
	return nil
}

// TTL exposes the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
