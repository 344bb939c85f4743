package server

import (
	"testing"
	"time"

	"github.com/alimasry/go-canvas-sync/store"
	"github.com/alimasry/go-canvas-sync/wire"
)

func TestHub_CreateRoomOnJoin(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), nil)
	go hub.Run()
	defer hub.Close()

	c := mockClient("p1")
	hub.Join(c, "new-room")

	select {
	case <-c.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}

	r := hub.GetRoom("new-room")
	if r == nil {
		t.Fatal("room not created")
	}
	if c.currentRoom() != r {
		t.Error("client not attached to room")
	}
	if r.Peers() != 1 {
		t.Errorf("peers = %d, want 1", r.Peers())
	}
}

func TestHub_SameRoomShared(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), nil)
	go hub.Run()
	defer hub.Close()

	c1, c2, other := mockClient("p1"), mockClient("p2"), mockClient("p3")
	hub.Join(c1, "a")
	hub.Join(c2, "a")
	hub.Join(other, "b")
	<-c1.joined
	<-c2.joined
	<-other.joined

	if len(hub.Rooms()) != 2 {
		t.Fatalf("got %d rooms, want 2", len(hub.Rooms()))
	}

	c1.currentRoom().incoming <- frame{client: c1, msg: wire.Message{Type: wire.TypeSync}}
	if msg := recvMsg(t, c2); msg.SenderID != "p1" {
		t.Errorf("senderId = %q, want p1", msg.SenderID)
	}
	expectSilence(t, other)
}

func TestHub_CloseStopsRooms(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), nil)
	go hub.Run()

	c := mockClient("p1")
	hub.Join(c, "a")
	<-c.joined

	hub.Close()
	if _, ok := <-c.send; ok {
		t.Error("expected client send channel to be closed")
	}
	if hub.GetRoom("a") != nil {
		t.Error("expected no rooms after close")
	}
	// Joining a closed hub must not block.
	hub.Join(mockClient("p2"), "a")
}
