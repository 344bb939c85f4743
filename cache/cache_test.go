package cache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func openTemp(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvas.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return c, path
}

func TestRoomMapping(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	if _, err := c.DocumentID("r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := c.SetDocumentID("r1", "doc-1"); err != nil {
		t.Fatal(err)
	}
	id, err := c.DocumentID("r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "doc-1", id)
}

func TestDocumentsSurviveReopen(t *testing.T) {
	c, path := openTemp(t)
	c.SetDocumentID("r1", "doc-1")
	if err := c.SaveDocument("doc-1", []byte(`{"version":1}`)); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	data, err := c.LoadDocument("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, `{"version":1}`, string(data))

	if _, err := c.LoadDocument("doc-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRoomsAndForget(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	c.SetDocumentID("b", "doc-b")
	c.SetDocumentID("a", "doc-a")
	c.SaveDocument("doc-a", []byte("12345"))

	rooms, err := c.Rooms()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []Room{
		{RoomID: "a", DocumentID: "doc-a", Size: 5},
		{RoomID: "b", DocumentID: "doc-b"},
	}, rooms)

	if err := c.Forget("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadDocument("doc-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := c.Forget("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
