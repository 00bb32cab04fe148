package agreement

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps agreements in process memory. The id counter is not part
// of the snapshot, so ids consumed by a rolled back unit of work stay burned.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]Agreement
	lastID  atomic.Uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]Agreement)}
}

func (s *MemoryStore) NextID(_ context.Context) (uint64, error) {
	return s.lastID.Add(1), nil
}

func (s *MemoryStore) Insert(_ context.Context, a Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[a.ID]; ok {
		return ErrDuplicateID
	}
	s.records[a.ID] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.records[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Update(_ context.Context, a Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[a.ID]
	if !ok {
		return ErrNotFound
	}
	current.SubmissionMetadata = a.SubmissionMetadata
	current.Withdrawn = a.Withdrawn
	current.Refunded = a.Refunded
	current.Reviewed = a.Reviewed
	s.records[a.ID] = current
	return nil
}

func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]Agreement, int, error) {
	filters = filters.Normalize()

	s.mu.RLock()
	matched := make([]Agreement, 0)
	for _, a := range s.records {
		if filters.matches(a) {
			matched = append(matched, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	start := (filters.Page - 1) * filters.PageSize
	if start >= total {
		return []Agreement{}, total, nil
	}
	end := start + filters.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Snapshot() func() {
	s.mu.RLock()
	saved := make(map[uint64]Agreement, len(s.records))
	for k, v := range s.records {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records = saved
	}
}
