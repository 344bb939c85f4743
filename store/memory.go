package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Snapshot)}
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, notFound(roomID)
	}
	return copySnapshot(snap), nil
}

func (s *MemoryStore) Put(_ context.Context, roomID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID] = &Snapshot{
		RoomID:    roomID,
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return notFound(roomID)
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Snapshot, 0, len(s.rooms))
	for _, snap := range s.rooms {
		result = append(result, *copySnapshot(snap))
	}
	sortSnapshots(result)
	return result, nil
}

// put stores snap as is, keeping its timestamp.
func (s *MemoryStore) put(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[snap.RoomID] = copySnapshot(snap)
}

func copySnapshot(snap *Snapshot) *Snapshot {
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	return &cp
}
