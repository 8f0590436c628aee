package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]Entry
}

// NewMemoryStore 返回进程内缓存，重启即丢失。
func NewMemoryStore() Store {
	return &memoryStore{generations: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.generations[locator.Generation][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	entry.Header = cloneHeader(entry.Header)
	return &entry, nil
}

func (s *memoryStore) Find(ctx context.Context, key string) (*Entry, error) {
	return findAcross(ctx, s, key)
}

func (s *memoryStore) Put(ctx context.Context, entry Entry) error {
	return s.PutBatch(ctx, []Entry{entry})
}

func (s *memoryStore) PutBatch(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := validateLocator(entry.Locator); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.StoredAt.IsZero() {
			entry.StoredAt = time.Now().UTC()
		}
		entry.Header = cloneHeader(entry.Header)
		bucket := s.generations[entry.Locator.Generation]
		if bucket == nil {
			bucket = make(map[string]Entry)
			s.generations[entry.Locator.Generation] = bucket
		}
		bucket[entry.Locator.Key] = entry
	}
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, locator Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations[locator.Generation], locator.Key)
	return nil
}

func (s *memoryStore) Generations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.generations))
	for generation := range s.generations {
		out = append(out, generation)
	}
	return out, nil
}

func (s *memoryStore) DropGeneration(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, generation)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
