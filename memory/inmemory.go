package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// InMemoryStore is the default backend: a mutex-guarded map. Suitable for
// tests and single-process runs; contents are lost on shutdown.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KVStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

// Put stores a copy of value under key.
func (s *InMemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

// Get returns the value stored under key.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

// Range returns pairs under prefix with key > fromKey in ascending key order.
func (s *InMemoryStore) Range(ctx context.Context, prefix, fromKey string, limit int) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) && k > fromKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		v := s.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, KV{Key: k, Value: cp})
	}
	s.mu.RUnlock()
	return out, nil
}

// Delete removes every key under prefix.
func (s *InMemoryStore) Delete(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

// ScanKeys returns all keys under prefix in ascending order.
func (s *InMemoryStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Kind identifies the backend.
func (s *InMemoryStore) Kind() string {
	return "in_memory"
}

// Close is a no-op.
func (s *InMemoryStore) Close(ctx context.Context) error {
	return nil
}
