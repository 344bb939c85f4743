package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCachedStore(t *testing.T) {
	cs := NewCachedStore(NewMemoryStore(), 20*time.Millisecond)
	defer cs.Close()
	testSnapshotStore(t, cs)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	if err := backing.Put(ctx, "room1", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	cs := NewCachedStore(backing, time.Hour) // long interval, no auto flush
	defer cs.Close()

	snap, err := cs.Get(ctx, "room1")
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Data) != `{"a":1}` {
		t.Errorf("unexpected data: %s", snap.Data)
	}
}

func TestCachedStore_WriteBehind(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond)
	defer cs.Close()

	if err := cs.Put(ctx, "room1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	// Backing should NOT have it yet.
	if _, err := backing.Get(ctx, "room1"); err == nil {
		t.Error("expected backing to not have room yet")
	}

	time.Sleep(150 * time.Millisecond)

	snap, err := backing.Get(ctx, "room1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RoomID != "room1" {
		t.Errorf("unexpected room ID: %s", snap.RoomID)
	}
}

func TestCachedStore_CoalescesWrites(t *testing.T) {
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()

	cs := NewCachedStore(backing, time.Hour)
	for i := 0; i < 10; i++ {
		cs.Put(ctx, "room1", []byte{byte('0' + i)})
	}
	cs.Close()

	if backing.puts != 1 {
		t.Errorf("backing puts = %d, want 1", backing.puts)
	}
	snap, _ := backing.Get(ctx, "room1")
	if string(snap.Data) != "9" {
		t.Errorf("data = %s, want 9", snap.Data)
	}
}

func TestCachedStore_CloseFlushesDelete(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()
	backing.Put(ctx, "room1", []byte(`{}`))

	cs := NewCachedStore(backing, time.Hour)
	if err := cs.Delete(ctx, "room1"); err != nil {
		t.Fatal(err)
	}
	// Deleted locally, still present in backing: must not read through.
	if _, err := cs.Get(ctx, "room1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	cs.Close()

	if _, err := backing.Get(ctx, "room1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("backing err = %v, want ErrNotFound", err)
	}
}

func TestCachedStore_ListMergesUnflushed(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	backing.Put(ctx, "a", nil)
	backing.Put(ctx, "b", nil)

	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()
	cs.Put(ctx, "c", nil)
	cs.Delete(ctx, "a")

	snaps, err := cs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].RoomID != "b" || snaps[1].RoomID != "c" {
		t.Errorf("unexpected list: %+v", snaps)
	}
}

type countingStore struct {
	*MemoryStore
	puts int
}

func (c *countingStore) Put(ctx context.Context, roomID string, data []byte) error {
	c.puts++
	return c.MemoryStore.Put(ctx, roomID, data)
}
