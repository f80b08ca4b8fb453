package store

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	snap     model.Snapshot
	storedAt time.Time
}

// MemoryStore implements Store with a map.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Put retains a snapshot.
func (s *MemoryStore) Put(_ context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[snap.ID] = memoryEntry{snap: snap, storedAt: time.Now()}
	return nil
}

// Take returns and, unless retain is set, removes a snapshot.
func (s *MemoryStore) Take(_ context.Context, id string, retain bool) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return model.Snapshot{}, ErrNotFound
	}
	if !retain {
		delete(s.entries, id)
	}
	return e.snap, nil
}

// Evict removes entries stored before cutoff.
func (s *MemoryStore) Evict(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.storedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.entries, id)
	}
	return ids, nil
}

// Stats counts retained snapshots by status.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{CountByStatus: make(map[string]int)}
	for _, e := range s.entries {
		stats.Total++
		stats.CountByStatus[e.snap.Status]++
	}
	return stats, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
