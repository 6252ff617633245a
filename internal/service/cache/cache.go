// Package cache fronts the storage query path with a read-through
// cache: an in-process TTL tier always on, a shared redis tier when
// configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketPull/pkg/logger"
)

// DefaultTTL is how long query results stay servable.
const DefaultTTL = 30 * time.Second

// Tier stores marshaled query results. GetBytes reports a clean miss
// as ok=false; an error means the tier itself failed.
type Tier interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Cache reads through its tiers in order and backfills earlier tiers
// on a deeper hit. A failing tier counts as a miss, so a redis outage
// degrades to slower queries rather than failed ones.
type Cache struct {
	tiers []Tier
	ttl   time.Duration
	lgr   *logger.Logger
}

func New(ttl time.Duration, lgr *logger.Logger, tiers ...Tier) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{tiers: tiers, ttl: ttl, lgr: lgr}
}

// Get loads key into dest and reports whether any tier had it. On a
// miss dest is left in an undefined state.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	for i, tier := range c.tiers {
		data, ok, err := tier.GetBytes(ctx, key)
		if err != nil {
			c.lgr.Debug("cache tier read failed", logger.String("key", key), logger.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := json.Unmarshal(data, dest); err != nil {
			c.lgr.Debug("cache entry undecodable", logger.String("key", key), logger.Error(err))
			continue
		}
		for _, upper := range c.tiers[:i] {
			if err := upper.SetBytes(ctx, key, data, c.ttl); err != nil {
				c.lgr.Debug("cache backfill failed", logger.String("key", key), logger.Error(err))
			}
		}
		return true
	}
	return false
}

// Set stores value in every tier. Tier failures are logged, never
// surfaced.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.lgr.Debug("cache encode failed", logger.String("key", key), logger.Error(err))
		return
	}
	for _, tier := range c.tiers {
		if err := tier.SetBytes(ctx, key, data, c.ttl); err != nil {
			c.lgr.Debug("cache tier write failed", logger.String("key", key), logger.Error(err))
		}
	}
}

// Close closes every tier.
func (c *Cache) Close() error {
	var firstErr error
	for _, tier := range c.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Through returns the value under key, loading and storing it on a
// miss.
func Through[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if c.Get(ctx, key, &out) {
		return out, nil
	}
	out, err := load(ctx)
	if err != nil {
		return out, err
	}
	c.Set(ctx, key, out)
	return out, nil
}

// Key joins query parameters into a cache key:
// Key("bars", "AAPL", "1m") => "bars:AAPL:1m".
func Key(parts ...any) string {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = fmt.Sprint(p)
	}
	return strings.Join(ss, ":")
}
