package listing

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps listings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]Listing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]Listing)}
}

func (s *MemoryStore) Get(_ context.Context, seller string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[seller]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Put(_ context.Context, l Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.Seller] = l
	return nil
}

func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]Listing, error) {
	s.mu.RLock()
	out := make([]Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if filters.OnlyOpen && l.OpenSlots == 0 {
			continue
		}
		out = append(out, l)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Seller < out[j].Seller
	})
	if limit := normalizeLimit(filters.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]Listing, len(s.listings))
	for k, v := range s.listings {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listings = saved
	}
}
