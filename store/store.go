// Package store persists room snapshots for the relay.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the last full document JSON posted for a room.
type Snapshot struct {
	RoomID    string
	Data      []byte
	UpdatedAt time.Time
}

// SnapshotStore abstracts room snapshot persistence.
// Implementations: MemoryStore, CachedStore, FirestoreStore, PostgresStore,
// RedisStore.
type SnapshotStore interface {
	Get(ctx context.Context, roomID string) (*Snapshot, error)
	Put(ctx context.Context, roomID string, data []byte) error
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context) ([]Snapshot, error)
}

func notFound(roomID string) error {
	return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].RoomID < s[j].RoomID })
}
