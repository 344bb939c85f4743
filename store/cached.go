package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// dirtyState tracks what needs flushing for a single room.
type dirtyState struct {
	generation uint64 // bumped on every write; a flush only clears what it wrote
	deleted    bool   // room deleted locally but not yet in backing store
}

// CachedStore wraps a backing SnapshotStore with an in-memory cache.
// Reads are served from the cache. Dirty rooms are flushed to the backing
// store periodically in the background, so a chatty room costs one backing
// write per interval.
type CachedStore struct {
	cache         *MemoryStore
	backing       SnapshotStore
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	generation    uint64
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty rooms to the backing store every flushInterval.
func NewCachedStore(backing SnapshotStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Get(ctx context.Context, roomID string) (*Snapshot, error) {
	snap, err := cs.cache.Get(ctx, roomID)
	if err == nil {
		return snap, nil
	}
	cs.mu.Lock()
	ds := cs.dirty[roomID]
	cs.mu.Unlock()
	if ds != nil && ds.deleted {
		return nil, notFound(roomID)
	}

	// Cache miss, load from backing store.
	snap, err = cs.backing.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	if _, err := cs.cache.Get(ctx, roomID); err != nil && cs.dirty[roomID] == nil {
		cs.cache.put(snap)
	}
	cs.mu.Unlock()
	return cs.cache.Get(ctx, roomID)
}

func (cs *CachedStore) Put(ctx context.Context, roomID string, data []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.cache.Put(ctx, roomID, data); err != nil {
		return err
	}
	cs.markLocked(roomID, false)
	return nil
}

func (cs *CachedStore) Delete(ctx context.Context, roomID string) error {
	if _, err := cs.Get(ctx, roomID); err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cache.Delete(ctx, roomID)
	cs.markLocked(roomID, true)
	return nil
}

// List merges the backing store's rooms with unflushed local changes.
func (cs *CachedStore) List(ctx context.Context) ([]Snapshot, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, _ := cs.cache.List(ctx)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	byID := make(map[string]Snapshot, len(backed)+len(cached))
	for _, s := range backed {
		if ds := cs.dirty[s.RoomID]; ds != nil && ds.deleted {
			continue
		}
		byID[s.RoomID] = s
	}
	for _, s := range cached {
		byID[s.RoomID] = s
	}
	result := make([]Snapshot, 0, len(byID))
	for _, s := range byID {
		result = append(result, s)
	}
	sortSnapshots(result)
	return result, nil
}

func (cs *CachedStore) markLocked(roomID string, deleted bool) {
	cs.generation++
	cs.dirty[roomID] = &dirtyState{generation: cs.generation, deleted: deleted}
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty rooms to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		snapshot[id] = *ds
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		if ds.deleted {
			if err := cs.backing.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				glog.Errorf("[store]failed to delete room %q in backing store: %v", id, err)
				continue
			}
		} else {
			snap, err := cs.cache.Get(ctx, id)
			if err != nil {
				continue
			}
			if err := cs.backing.Put(ctx, id, snap.Data); err != nil {
				// Keep it dirty; retried next cycle.
				glog.Errorf("[store]failed to flush room %q: %v", id, err)
				continue
			}
		}

		// Only clear the dirty flag if no new writes happened since snapshot.
		cs.mu.Lock()
		if cur := cs.dirty[id]; cur != nil && cur.generation == ds.generation {
			delete(cs.dirty, id)
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
