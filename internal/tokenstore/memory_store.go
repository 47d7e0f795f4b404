package tokenstore

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory store intended for tests and dev.
type MemoryStore struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key.
func (store *MemoryStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.values[key] = value
	return nil
}

// Remove deletes key.
func (store *MemoryStore) Remove(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.values, key)
	return nil
}

// Snapshot returns a copy of all stored values.
func (store *MemoryStore) Snapshot() map[string]string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	clone := make(map[string]string, len(store.values))
	for key, value := range store.values {
		clone[key] = value
	}
	return clone
}

// Close is a no-op; the map lives as long as the process.
func (store *MemoryStore) Close() error {
	return nil
}
