package records

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStore_PutEmitsOneDiff(t *testing.T) {
	s := NewStore(nil)
	var events []ChangeEvent
	unlisten := s.Listen(func(ev ChangeEvent) { events = append(events, ev) }, ListenOptions{})
	defer unlisten()

	s.Put(shape("shape:a", 0, 0), shape("shape:b", 0, 0))
	assert.Equal(t, 1, len(events))
	assert.Equal(t, 2, len(events[0].Changes.Added))
	assert.Equal(t, SourceUser, events[0].Source)

	// rewriting the same value is not a change
	s.Put(shape("shape:a", 0, 0))
	assert.Equal(t, 1, len(events))

	s.Put(shape("shape:a", 1, 0))
	assert.Equal(t, 2, len(events))
	u, ok := events[1].Changes.Updated["shape:a"]
	if !ok {
		t.Fatal("expected update")
	}
	x, _ := u.Before.Number("x")
	assert.Equal(t, 0.0, x)
}

func TestStore_MergeRemoteIsTagged(t *testing.T) {
	s := NewStore(nil)
	var user, all int
	s.Listen(func(ChangeEvent) { user++ }, ListenOptions{Source: SourceUser})
	s.Listen(func(ev ChangeEvent) {
		all++
		assert.Equal(t, SourceRemote, ev.Source)
	}, ListenOptions{})

	s.MergeRemoteChanges(func(tx *Tx) { tx.Put(shape("shape:a", 0, 0)) })
	assert.Equal(t, 0, user)
	assert.Equal(t, 1, all)
}

func TestStore_ScopeFilter(t *testing.T) {
	s := NewStore(nil)
	var got []ChangeEvent
	s.Listen(func(ev ChangeEvent) { got = append(got, ev) }, ListenOptions{Scope: ScopeDocument})

	s.Put(New("camera:page1", "camera", map[string]any{"x": 1, "y": 1, "z": 1}))
	assert.Equal(t, 0, len(got))

	s.Put(New("camera:page1", "camera", nil), shape("shape:a", 0, 0))
	assert.Equal(t, 1, len(got))
	assert.Equal(t, 1, len(got[0].Changes.Added))
}

func TestStore_TransactSquashes(t *testing.T) {
	s := NewStore(nil)
	s.Put(shape("shape:a", 0, 0))
	var got []ChangeEvent
	s.Listen(func(ev ChangeEvent) { got = append(got, ev) }, ListenOptions{})

	s.Transact(func(tx *Tx) {
		tx.Put(shape("shape:b", 0, 0))
		tx.Remove("shape:b")
		tx.Remove("shape:a")
		tx.Put(shape("shape:a", 3, 0))
		r, ok := tx.Get("shape:a")
		if !ok {
			t.Error("tx.Get should see staged record")
		}
		x, _ := r.Number("x")
		assert.Equal(t, 3.0, x)
	})
	assert.Equal(t, 1, len(got))
	assert.Equal(t, 0, len(got[0].Changes.Added))
	assert.Equal(t, 0, len(got[0].Changes.Removed))
	assert.Equal(t, 1, len(got[0].Changes.Updated))
	assert.Equal(t, false, s.Has("shape:b"))
}

func TestStore_Unsubscribe(t *testing.T) {
	s := NewStore(nil)
	n := 0
	unlisten := s.Listen(func(ChangeEvent) { n++ }, ListenOptions{})
	s.Put(shape("shape:a", 0, 0))
	unlisten()
	s.Remove("shape:a")
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AllRecordsSorted(t *testing.T) {
	s := NewStore(nil)
	s.Put(shape("shape:c", 0, 0), shape("shape:a", 0, 0), shape("shape:b", 0, 0))
	var ids []ID
	for _, r := range s.AllRecords() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []ID{"shape:a", "shape:b", "shape:c"}, ids)
}
