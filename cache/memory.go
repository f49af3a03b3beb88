package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nuclio/errors"
)

const defaultSize = 1024

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Memory is an in-process LRU cache where every entry carries its own expiry.
type Memory struct {
	entries *lru.Cache[string, entry]
	now     func() time.Time
	mu      sync.Mutex
}

// NewMemory creates a cache holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = defaultSize
	}

	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create LRU cache")
	}

	return &Memory{
		entries: entries,
		now:     time.Now,
	}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, found := m.entries.Get(key)
	if !found {
		return nil, false, nil
	}
	if !m.now().Before(cached.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return cached.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Add(key, entry{
		value:     append(json.RawMessage(nil), value...),
		expiresAt: m.now().Add(ttl),
	})
	return nil
}

// Len returns the number of entries, expired ones included until they are looked up.
func (m *Memory) Len() int {
	return m.entries.Len()
}
