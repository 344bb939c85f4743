package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-canvas-sync/store"
	"github.com/alimasry/go-canvas-sync/wire"
)

func setupTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(store.NewMemoryStore(), nil)
	go hub.Run()
	server := httptest.NewServer(NewHandler(hub))
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return server, hub
}

func wsConnect(t *testing.T, server *httptest.Server, roomID, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect/" + roomID + "?sessionId=s-" + peerID + "&peerId=" + peerID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMsg(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitPeers(t *testing.T, hub *Hub, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r := hub.GetRoom(roomID); r != nil && r.Peers() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d peers", roomID, n)
}

func TestHandler_Health(t *testing.T) {
	server, _ := setupTestServer(t)
	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_RoomSnapshotRoundTrip(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/room/r1")
	if err != nil {
		t.Fatal(err)
	}
	var body ErrorBody
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, body.Code)

	doc := `{"store":{"shape:a":{"id":"shape:a","typeName":"shape"}},"schema":{"schemaVersion":1}}`
	resp, err = http.Post(server.URL+"/room/r1", "application/json", strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(server.URL + "/room/r1")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	if _, ok := got["store"].(map[string]any)["shape:a"]; !ok {
		t.Errorf("snapshot missing record: %v", got)
	}
}

func TestHandler_PostRejectsNonObject(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, body := range []string{`[1,2]`, `null`, `not json`, `"x"`} {
		resp, err := http.Post(server.URL+"/room/r1", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestHandler_DeleteAndList(t *testing.T) {
	server, hub := setupTestServer(t)
	ctx := t.Context()
	hub.Store().Put(ctx, "a", []byte(`{}`))
	hub.Store().Put(ctx, "b", []byte(`{}`))

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/room/a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	wsConnect(t, server, "live", "p1")
	waitPeers(t, hub, "live", 1)

	resp, err = http.Get(server.URL + "/rooms")
	if err != nil {
		t.Fatal(err)
	}
	var rooms []RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, 2, len(rooms))
	assert.Equal(t, "b", rooms[0].RoomID)
	assert.Equal(t, "live", rooms[1].RoomID)
	assert.Equal(t, 1, rooms[1].Peers)
}

func TestHandler_TwoPeersRelay(t *testing.T) {
	server, hub := setupTestServer(t)

	conn1 := wsConnect(t, server, "collab", "p1")
	conn2 := wsConnect(t, server, "collab", "p2")
	waitPeers(t, hub, "collab", 2)

	// p1 broadcasts a sync request
	if err := conn1.WriteJSON(wire.Message{Type: wire.TypeSync, Data: json.RawMessage(`{"kind":"request"}`)}); err != nil {
		t.Fatal(err)
	}
	msg := readWsMsg(t, conn2)
	assert.Equal(t, wire.TypeSync, msg.Type)
	assert.Equal(t, "p1", msg.SenderID)

	// p2 answers only p1
	conn2.WriteJSON(wire.Message{Type: wire.TypeSync, TargetID: "p1", Data: json.RawMessage(`{"kind":"changes"}`)})
	reply := readWsMsg(t, conn1)
	assert.Equal(t, "p2", reply.SenderID)
	assert.Equal(t, "p1", reply.TargetID)

	// p2 disconnects, p1 hears about it
	conn2.Close()
	left := readWsMsg(t, conn1)
	assert.Equal(t, wire.TypeLeave, left.Type)
	assert.Equal(t, "p2", left.SenderID)
}

func TestHandler_InvalidFrame(t *testing.T) {
	server, hub := setupTestServer(t)

	conn := wsConnect(t, server, "r", "p1")
	waitPeers(t, hub, "r", 1)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"senderId":"x"}`))
	msg := readWsMsg(t, conn)
	assert.Equal(t, wire.TypeError, msg.Type)
}
