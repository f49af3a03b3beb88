package registry

import (
	"context"
	"sync"
)

// MemoryStorage keeps entries in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]Networks
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]Networks),
	}
}

func (s *MemoryStorage) Set(ctx context.Context, name string, networks Networks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[name] = networks.Copy()
	return nil
}

func (s *MemoryStorage) SetMany(ctx context.Context, entries map[string]Networks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, networks := range entries {
		s.entries[name] = networks.Copy()
	}
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, name string) (Networks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks, ok := s.entries[name]
	if !ok {
		return nil, &ServiceDoesNotExistError{Name: name}
	}
	return networks.Copy(), nil
}

func (s *MemoryStorage) GetMany(ctx context.Context, names []string) (map[string]Networks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]Networks, len(names))
	for _, name := range names {
		if networks, ok := s.entries[name]; ok {
			found[name] = networks.Copy()
		}
	}
	return found, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, name)
	return nil
}

func (s *MemoryStorage) DeleteMany(ctx context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		delete(s.entries, name)
	}
	return nil
}

func (s *MemoryStorage) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[name]
	return ok, nil
}

func (s *MemoryStorage) All(ctx context.Context) (map[string]Networks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]Networks, len(s.entries))
	for name, networks := range s.entries {
		all[name] = networks.Copy()
	}
	return all, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
