package catalog

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process store for tests and throwaway coordinators.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(ctx context.Context, name string, rec Record) error {
	rec.Replicas = slices.Clone(rec.Replicas)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return Record{}, notFound(name)
	}
	return Record{Size: rec.Size, Replicas: slices.Clone(rec.Replicas)}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return notFound(name)
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
