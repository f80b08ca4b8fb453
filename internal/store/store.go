package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// ErrNotFound is returned when no retained result exists for an id.
var ErrNotFound = errors.New("result not found")

// Stats holds aggregate counts over the retained results.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store holds the snapshots of jobs that reached a terminal status until a
// caller collects them or they are evicted. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put retains snap, replacing any previous entry with the same id.
	Put(ctx context.Context, snap model.Snapshot) error
	// Take returns the snapshot for id. Unless retain is set the entry is
	// removed, so a second Take for the same id returns ErrNotFound.
	Take(ctx context.Context, id string, retain bool) (model.Snapshot, error)
	// Evict removes entries stored before cutoff and returns their ids.
	Evict(ctx context.Context, cutoff time.Time) ([]string, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
