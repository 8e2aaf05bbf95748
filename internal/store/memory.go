package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
)

type memoryItem struct {
	job       *entity.Job
	expiresAt time.Time
}

// MemoryStore keeps job records in process memory with lazy TTL expiry.
// It is the default driver for local runs and the substitute used by the
// engine tests.
type MemoryStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[job.ID] = memoryItem{
		job:       job.Clone(),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*entity.Job, error) {
	s.mu.RLock()
	it, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(it.expiresAt) {
		s.mu.Lock()
		delete(s.items, id)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return it.job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter, p Page) ([]*entity.Job, int, error) {
	now := s.now()

	s.mu.RLock()
	matched := make([]*entity.Job, 0, len(s.items))
	for _, it := range s.items {
		if now.After(it.expiresAt) {
			continue
		}
		if f.matches(it.job) {
			matched = append(matched, it.job.Clone())
		}
	}
	s.mu.RUnlock()

	// Newest first, stable across polls.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	matched = matched[p.Offset:]
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
