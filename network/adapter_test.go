package network

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-playground/assert/v2"

	"github.com/alimasry/go-canvas-sync/server"
	"github.com/alimasry/go-canvas-sync/store"
	"github.com/alimasry/go-canvas-sync/wire"
)

func testSettings() *Settings {
	s := DefaultSettings()
	s.ConnectDelay = 0
	s.ReconnectBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}
	return s
}

func startRelay(t *testing.T) (*httptest.Server, *server.Hub) {
	t.Helper()
	hub := server.NewHub(store.NewMemoryStore(), nil)
	go hub.Run()
	srv := httptest.NewServer(server.NewHandler(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return srv, hub
}

func connected(t *testing.T, a *Adapter, peerID string) {
	t.Helper()
	a.Connect(peerID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.WhenReady(ctx); err != nil {
		t.Fatalf("%s never connected: %v", peerID, err)
	}
}

func waitPeers(t *testing.T, hub *server.Hub, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r := hub.GetRoom(roomID); r != nil && r.Peers() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d peers", roomID, n)
}

type inbox struct {
	ch chan wire.Message
}

func listen(a *Adapter) *inbox {
	in := &inbox{ch: make(chan wire.Message, 16)}
	a.OnMessage(func(m wire.Message) { in.ch <- m })
	return in
}

func (in *inbox) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m := <-in.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return wire.Message{}
	}
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("https://relay.example.com/base/", "room 1", "s1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "wss://relay.example.com/base/connect/room%201?peerId=p1&sessionId=s1", got)

	if _, err := Endpoint("ftp://x", "r", "s", ""); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestAdapter_BroadcastAndTarget(t *testing.T) {
	srv, hub := startRelay(t)

	a := NewAdapter(srv.URL, "room", testSettings())
	b := NewAdapter(srv.URL, "room", testSettings())
	defer a.Disconnect()
	defer b.Disconnect()
	inA, inB := listen(a), listen(b)

	connected(t, a, "a")
	connected(t, b, "b")
	waitPeers(t, hub, "room", 2)

	msg, _ := wire.Message{Type: wire.TypeSync}.WithData(map[string]string{"kind": "request"})
	a.Broadcast(msg)
	got := inB.next(t)
	assert.Equal(t, "a", got.SenderID)
	assert.Equal(t, "room", got.DocumentID)
	assert.Equal(t, json.RawMessage(`{"kind":"request"}`), got.Data)

	b.Send(wire.Message{Type: wire.TypeSync, TargetID: "a"})
	got = inA.next(t)
	assert.Equal(t, "b", got.SenderID)
	assert.Equal(t, "a", got.TargetID)
}

func TestAdapter_SendWhileOfflineIsNoop(t *testing.T) {
	a := NewAdapter("http://127.0.0.1:1", "room", testSettings())
	defer a.Disconnect()

	assert.Equal(t, false, a.IsReady())
	a.Send(wire.Message{Type: wire.TypeSync}) // must not block or panic
	assert.Equal(t, StateConnecting, a.State())
}

func TestAdapter_ReconnectsAfterRelayRestart(t *testing.T) {
	hub := server.NewHub(store.NewMemoryStore(), nil)
	go hub.Run()
	defer hub.Close()
	srv := httptest.NewServer(server.NewHandler(hub))

	a := NewAdapter(srv.URL, "room", testSettings())
	defer a.Disconnect()

	var mu sync.Mutex
	var states []ConnectionState
	a.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	closed := make(chan struct{}, 4)
	a.OnClose(func() { closed <- struct{}{} })

	connected(t, a, "a")
	waitPeers(t, hub, "room", 1)

	// Drop the connection from the relay side.
	hub.GetRoom("room").Stop()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("adapter never noticed the drop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.WhenReady(ctx); err != nil {
		t.Fatalf("never reconnected: %v", err)
	}
	srv.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 {
		t.Fatalf("states = %v", states)
	}
	assert.Equal(t, StateConnected, states[0])
	assert.Equal(t, StateReconnecting, states[1])
	assert.Equal(t, StateConnected, states[2])
}

func TestAdapter_DisconnectIsTerminal(t *testing.T) {
	srv, _ := startRelay(t)

	a := NewAdapter(srv.URL, "room", testSettings())
	connected(t, a, "a")
	a.Disconnect()

	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, false, a.IsReady())
	a.Connect("a", nil) // no effect
	assert.Equal(t, StateDisconnected, a.State())
}
