package breaker

import (
	"context"
	"sync"
)

// UpdateFunc computes the next snapshot from the current one.
// It returns false when nothing needs to be written. It must be free of side
// effects because storages may call it more than once.
type UpdateFunc func(current Snapshot) (next Snapshot, write bool)

// Storage persists snapshots keyed by service name.
type Storage interface {
	// Load returns the current snapshot; unknown keys yield a closed snapshot.
	Load(ctx context.Context, key string) (Snapshot, error)
	// Update atomically applies fn to the snapshot stored under key.
	Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error)
	// Delete removes the snapshot stored under key.
	Delete(ctx context.Context, key string) error
}

// MemoryStorage keeps snapshots in process memory.
type MemoryStorage struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty in-process storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{snapshots: make(map[string]Snapshot)}
}

// Load implements Storage.
func (m *MemoryStorage) Load(_ context.Context, key string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshots[key].normalized(), nil
}

// Update implements Storage.
func (m *MemoryStorage) Update(_ context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, write := fn(m.snapshots[key].normalized())
	if write {
		m.snapshots[key] = next
	}

	return next, nil
}

// Delete implements Storage.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, key)

	return nil
}
