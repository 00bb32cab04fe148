package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DirectoryCache holds short-lived copies of seller directory pages. It is
// best effort: misses and backend failures fall through to the store.
//
// Get reports the generation it looked in. Put stores a page loaded after that
// miss under the same generation, so a page read before an Invalidate is never
// served after it. A negative generation means the cache is unavailable.
type DirectoryCache interface {
	Get(ctx context.Context, filters ListFilters) (page []Listing, gen int64, ok bool)
	Put(ctx context.Context, gen int64, filters ListFilters, page []Listing)
	Invalidate(ctx context.Context)
}

// RedisCache stores directory pages under a generation counter. Invalidate
// bumps the generation so stale pages are never read again and simply expire.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "gigescrow:listings",
		logger: logger.With(slog.String("component", "directory-cache")),
	}
}

func (c *RedisCache) Get(ctx context.Context, filters ListFilters) ([]Listing, int64, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "directory cache unavailable", slog.String("error", err.Error()))
		return nil, -1, false
	}
	raw, err := c.client.Get(ctx, c.pageKey(gen, filters)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "directory cache read failed", slog.String("error", err.Error()))
		}
		return nil, gen, false
	}
	var page []Listing
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, gen, false
	}
	return page, gen, true
}

func (c *RedisCache) Put(ctx context.Context, gen int64, filters ListFilters, page []Listing) {
	if gen < 0 {
		return
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.pageKey(gen, filters), raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "directory cache write failed", slog.String("error", err.Error()))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, c.prefix+":gen").Err(); err != nil {
		c.logger.WarnContext(ctx, "directory cache invalidate failed", slog.String("error", err.Error()))
	}
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.prefix+":gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) pageKey(gen int64, filters ListFilters) string {
	return fmt.Sprintf("%s:page:%d:%t:%d", c.prefix, gen, filters.OnlyOpen, normalizeLimit(filters.Limit))
}
