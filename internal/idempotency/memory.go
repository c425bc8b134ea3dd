package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when the durable store is disabled
// and in tests. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.MessageID]; ok {
		return ErrExists
	}
	s.records[rec.MessageID] = *rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Update(_ context.Context, messageID string, fn func(*Record) (bool, error)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	write, err := fn(&rec)
	if err != nil {
		return nil, err
	}
	if write {
		s.records[messageID] = rec
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[messageID]; !ok {
		return ErrNotFound
	}
	delete(s.records, messageID)
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, claimedBefore time.Time, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.State == state && rec.ClaimedAt.Before(claimedBefore) {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
