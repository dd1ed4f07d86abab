package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/wardline/failover/internal/kvstore"
)

// Store is an in-memory kvstore.Store for tests and ephemeral runs.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func New() *Store {
	return &Store{entries: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key kvstore.Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key.String()]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key kvstore.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key.String()] = v
	return nil
}

func (s *Store) Delete(ctx context.Context, key kvstore.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

func (s *Store) List(ctx context.Context, prefix kvstore.Prefix) ([]kvstore.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := prefix.String()
	var keys []kvstore.Key
	for raw := range s.entries {
		if !strings.HasPrefix(raw, p) {
			continue
		}
		k, err := kvstore.ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *Store) Close() error { return nil }

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
