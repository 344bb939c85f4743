package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// uniqueRoomID returns a unique room ID for test isolation against shared
// backends.
func uniqueRoomID(t *testing.T) string {
	return fmt.Sprintf("test-%d", time.Now().UnixNano())
}

// testSnapshotStore runs the behaviour every SnapshotStore must share.
func testSnapshotStore(t *testing.T, s SnapshotStore) {
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		id := uniqueRoomID(t)
		t.Cleanup(func() { s.Delete(ctx, id) })

		if err := s.Put(ctx, id, []byte(`{"store":{}}`)); err != nil {
			t.Fatal(err)
		}
		snap, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if snap.RoomID != id || string(snap.Data) != `{"store":{}}` {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		if snap.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		id := uniqueRoomID(t)
		t.Cleanup(func() { s.Delete(ctx, id) })

		s.Put(ctx, id, []byte(`1`))
		s.Put(ctx, id, []byte(`2`))
		snap, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if string(snap.Data) != `2` {
			t.Errorf("data = %s, want 2", snap.Data)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "nonexistent-room-xyz")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		id := uniqueRoomID(t)
		s.Put(ctx, id, []byte(`{}`))
		if err := s.Delete(ctx, id); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		ids := make([]string, 3)
		for i := range ids {
			ids[i] = fmt.Sprintf("%s-%d", uniqueRoomID(t), i)
			t.Cleanup(func() { s.Delete(ctx, ids[i]) })
			s.Put(ctx, ids[i], []byte(`{}`))
		}

		snaps, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		// There may be other rooms in shared backends.
		found := 0
		for i, snap := range snaps {
			if i > 0 && snaps[i-1].RoomID > snap.RoomID {
				t.Errorf("list not sorted at %d", i)
			}
			for _, id := range ids {
				if snap.RoomID == id {
					found++
				}
			}
		}
		if found != 3 {
			t.Errorf("found %d of our 3 rooms in list", found)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testSnapshotStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte(`abc`)
	s.Put(ctx, "r", data)
	data[0] = 'x'

	snap, _ := s.Get(ctx, "r")
	snap.Data[1] = 'y'

	again, _ := s.Get(ctx, "r")
	if string(again.Data) != "abc" {
		t.Errorf("data = %s, want abc", again.Data)
	}
}
