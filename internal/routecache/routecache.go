// Package routecache stores the resolved redirect route of single-event bands,
// keyed by printed tag, with a short TTL so window edits propagate on their own.
package routecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// ErrMiss is returned by Get when no route is cached for a tag.
var ErrMiss = errors.New("route cache miss")

const keyPrefix = "band:route:"

// Key returns the Redis key for a tag.
func Key(tag string) string {
	return keyPrefix + tag
}

type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached route for tag or ErrMiss.
func (c *Cache) Get(ctx context.Context, tag string) (model.CacheRoute, error) {
	raw, err := c.rdb.Get(ctx, Key(tag)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CacheRoute{}, ErrMiss
	}
	if err != nil {
		return model.CacheRoute{}, fmt.Errorf("route cache get %s: %w", tag, err)
	}
	var route model.CacheRoute
	if err := json.Unmarshal(raw, &route); err != nil || route.URL == "" {
		// treat garbage as a miss, the origin rewrites it
		return model.CacheRoute{}, ErrMiss
	}
	return route, nil
}

// Set stores the route for tag with the cache TTL.
func (c *Cache) Set(ctx context.Context, tag string, route model.CacheRoute) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(tag), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("route cache set %s: %w", tag, err)
	}
	return nil
}

// Invalidate removes the cached route for tag.
func (c *Cache) Invalidate(ctx context.Context, tag string) error {
	if err := c.rdb.Del(ctx, Key(tag)).Err(); err != nil {
		return fmt.Errorf("route cache del %s: %w", tag, err)
	}
	return nil
}
