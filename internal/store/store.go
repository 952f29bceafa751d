package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPersist marks a failed durable write. Callers treat it as best-effort and do not fail on it.
var ErrPersist = errors.New("persist failed")

// Store is durable key-value storage for serialized widget state.
// Get returns (nil, false, nil) on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Pinger is implemented by backends that can report reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// persistError wraps a backend write failure so errors.Is(err, ErrPersist) holds.
func persistError(key string, err error) error {
	return fmt.Errorf("%w: key %s: %w", ErrPersist, key, err)
}

// MemoryStore keeps values in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return persistError(key, err)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
