package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.QueueRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.QueueRecord), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec *models.QueueRecord) error {
	if err := checkCreate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Key()]; ok && existing.Status.Terminal() {
		return ErrAlreadyFinalized
	}
	s.records[rec.Key()] = *rec
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, key string, status models.Status, result models.Result) (*models.QueueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyFinalize(&rec, status, result, s.now().UTC()); err != nil {
		return nil, err
	}
	s.records[key] = rec
	return &rec, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.QueueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status models.Status, olderThan time.Time, limit int) ([]*models.QueueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.QueueRecord
	for _, rec := range s.records {
		if rec.Status == status && rec.UpdatedAt.Before(olderThan) {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var _ Store = (*MemoryStore)(nil)
