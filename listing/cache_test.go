package listing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gigescrow/db"
	"gigescrow/notify"
)

type pageKey struct {
	gen     int64
	filters ListFilters
}

// mapCache keys pages by generation the way RedisCache does.
type mapCache struct {
	pages       map[pageKey][]Listing
	gen         int64
	hits        int
	invalidated int
}

func newMapCache() *mapCache {
	return &mapCache{pages: map[pageKey][]Listing{}}
}

func (c *mapCache) Get(_ context.Context, filters ListFilters) ([]Listing, int64, bool) {
	page, ok := c.pages[pageKey{c.gen, filters}]
	if ok {
		c.hits++
	}
	return page, c.gen, ok
}

func (c *mapCache) Put(_ context.Context, gen int64, filters ListFilters, page []Listing) {
	c.pages[pageKey{gen, filters}] = page
}

func (c *mapCache) Invalidate(context.Context) {
	c.invalidated++
	c.gen++
}

// listHookStore runs onList once, after the directory query and before the
// registry fills the cache.
type listHookStore struct {
	Store
	onList func()
}

func (s *listHookStore) List(ctx context.Context, filters ListFilters) ([]Listing, error) {
	page, err := s.Store.List(ctx, filters)
	if s.onList != nil {
		hook := s.onList
		s.onList = nil
		hook()
	}
	return page, err
}

func TestRegistry_ListServesFromCache(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	cache := newMapCache()
	reg.WithCache(cache)
	ctx := context.Background()

	if _, err := reg.SetOpenSlots(ctx, "seller-1", 2); err != nil {
		t.Fatalf("set open slots: %v", err)
	}
	filters := ListFilters{OnlyOpen: true, Limit: 10}
	first, err := reg.List(ctx, filters)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected one open listing, got %v (%v)", first, err)
	}
	if _, err := reg.List(ctx, filters); err != nil {
		t.Fatalf("list: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("expected second page to come from cache, hits=%d", cache.hits)
	}

	if _, err := reg.SetOpenSlots(ctx, "seller-2", 1); err != nil {
		t.Fatalf("set open slots: %v", err)
	}
	if cache.invalidated != 2 {
		t.Fatalf("expected every registry write to invalidate, got %d", cache.invalidated)
	}
	fresh, err := reg.List(ctx, filters)
	if err != nil || len(fresh) != 2 {
		t.Fatalf("expected refreshed directory with two sellers, got %v (%v)", fresh, err)
	}
}

func TestRegistry_FailedWriteKeepsCache(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	cache := newMapCache()
	reg.WithCache(cache)

	if _, err := reg.SetListing(context.Background(), "seller-1", UpdateParams{DeliveryEstimate: -time.Second}); err == nil {
		t.Fatalf("expected negative estimate to be rejected")
	}
	if cache.invalidated != 0 {
		t.Fatalf("expected rejected write not to invalidate")
	}
}

func TestRegistry_PageLoadedBeforeWriteIsNotServedAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	stream := notify.NewMemoryStream()
	hooked := &listHookStore{Store: store}
	reg := NewRegistry(db.NewMemoryRunner(store, stream), hooked, stream)
	cache := newMapCache()
	reg.WithCache(cache)

	if _, err := reg.SetOpenSlots(ctx, "seller-1", 2); err != nil {
		t.Fatalf("set open slots: %v", err)
	}
	hooked.onList = func() {
		if _, err := reg.SetOpenSlots(ctx, "seller-2", 1); err != nil {
			t.Errorf("set open slots: %v", err)
		}
	}

	filters := ListFilters{OnlyOpen: true, Limit: 10}
	stale, err := reg.List(ctx, filters)
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected the page read before the write, got %v (%v)", stale, err)
	}
	fresh, err := reg.List(ctx, filters)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fresh) != 2 {
		t.Fatalf("expected the write to be visible, got %+v", fresh)
	}
	if cache.hits != 0 {
		t.Fatalf("expected the stale page to stay unreachable, hits=%d", cache.hits)
	}
}

func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	cache := NewRedisCache(client, time.Minute, nil)
	cache.prefix = "gigescrow-test:" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, cache.prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	filters := ListFilters{Limit: 5}
	_, gen, ok := cache.Get(ctx, filters)
	if ok || gen < 0 {
		t.Fatalf("expected empty cache, gen=%d hit=%v", gen, ok)
	}
	page := []Listing{{Seller: "seller-1", Price: 10, DeliveryEstimate: time.Hour, OpenSlots: 2, Reputation: 3}}
	cache.Put(ctx, gen, filters, page)

	got, _, ok := cache.Get(ctx, filters)
	if !ok || len(got) != 1 || got[0].Seller != "seller-1" || got[0].DeliveryEstimate != time.Hour {
		t.Fatalf("unexpected cached page %+v (hit=%v)", got, ok)
	}

	cache.Invalidate(ctx)
	if _, _, ok := cache.Get(ctx, filters); ok {
		t.Fatalf("expected invalidate to hide the previous generation")
	}

	// a page loaded before the invalidate lands under the old generation
	cache.Put(ctx, gen, filters, page)
	if _, _, ok := cache.Get(ctx, filters); ok {
		t.Fatalf("expected a page from the old generation to stay hidden")
	}
}
