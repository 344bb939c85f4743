package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-playground/assert/v2"

	"github.com/alimasry/go-canvas-sync/bridge"
	"github.com/alimasry/go-canvas-sync/cache"
	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/network"
	"github.com/alimasry/go-canvas-sync/records"
	"github.com/alimasry/go-canvas-sync/server"
	"github.com/alimasry/go-canvas-sync/store"
)

// unreachable refuses connections immediately.
const unreachable = "http://127.0.0.1:1"

func shape(id string, x, y float64) records.Record {
	return records.New(records.ID(id), "shape", map[string]any{
		"type": "geo", "x": x, "y": y, "rotation": 0, "isLocked": false, "opacity": 1,
		"parentId": "page:1", "index": "a1",
		"props": map[string]any{"geo": "rectangle", "w": 100, "h": 100, "color": "black", "fill": "none", "text": ""},
		"meta":  map[string]any{},
	})
}

func openCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "canvas.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func startRelay(t *testing.T) (*httptest.Server, store.SnapshotStore) {
	t.Helper()
	st := store.NewMemoryStore()
	hub := server.NewHub(st, nil)
	go hub.Run()
	srv := httptest.NewServer(server.NewHandler(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return srv, st
}

func testConfig(roomID, relayURL string, c *cache.Cache) Config {
	net := network.DefaultSettings()
	net.ConnectDelay = 0
	net.ReconnectBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(50 * time.Millisecond)
	}
	return Config{
		RoomID:          roomID,
		RelayURL:        relayURL,
		Cache:           c,
		PersistDebounce: 20 * time.Millisecond,
		SaveDebounce:    20 * time.Millisecond,
		FetchTimeout:    2 * time.Second,
		Network:         net,
	}
}

func join(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Join(context.Background(), cfg, records.NewStore(nil), nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// seed runs an offline session that leaves rs in the local cache.
func seed(t *testing.T, c *cache.Cache, roomID string, rs ...records.Record) {
	t.Helper()
	s := join(t, testConfig(roomID, "", c))
	s.Store().Put(rs...)
	s.Bridge().Flush()
	s.Close()
}

func TestJoinFreshRoomPersistsMapping(t *testing.T) {
	c := openCache(t)
	s := join(t, testConfig("r1", "", c))

	docID, err := c.DocumentID("r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, s.DocumentID(), docID)
	assert.Equal(t, 26, len(docID)) // ULID
	assert.Equal(t, bridge.StateOfflineReady, s.Status().State)

	s.Store().Put(shape("shape:1", 1, 2))
	waitFor(t, "local save", func() bool {
		data, err := c.LoadDocument(docID)
		if err != nil {
			return false
		}
		h, err := crdt.LoadHandle(docID, "reader", data)
		if err != nil {
			return false
		}
		_, ok := h.Get(crdt.StoreKey, "shape:1")
		return ok
	})
}

func TestJoinOfflineResume(t *testing.T) {
	c := openCache(t)
	seed(t, c, "r1", shape("shape:1", 10, 20), shape("shape:2", 30, 40))

	// The relay is never reachable.
	s := join(t, testConfig("r1", unreachable, c))

	assert.Equal(t, 2, s.Store().Len())
	r, ok := s.Store().Get("shape:1")
	if !ok {
		t.Fatal("shape:1 not restored")
	}
	x, _ := r.Number("x")
	assert.Equal(t, 10.0, x)

	status := s.Status()
	assert.Equal(t, bridge.StateOfflineReady, status.State)
	assert.Equal(t, bridge.ConnectionOffline, status.Connection)
	assert.Equal(t, nil, status.Err)
}

// Local wins on initial merge: records the local document already has are
// never replaced by the relay's copy; only relay-only records are added.
func TestJoinLocalWinsOnInitialMerge(t *testing.T) {
	c := openCache(t)
	seed(t, c, "r1", shape("shape:1", 1, 1))

	srv, st := startRelay(t)
	remote, _ := json.Marshal(map[string]any{
		"store": map[string]any{
			"shape:1": shape("shape:1", 99, 99).Value(),
			"shape:2": shape("shape:2", 5, 5).Value(),
		},
	})
	st.Put(context.Background(), "r1", remote)

	s := join(t, testConfig("r1", srv.URL, c))
	waitFor(t, "relay-only record", func() bool { return s.Store().Has("shape:2") })

	r, _ := s.Store().Get("shape:1")
	x, _ := r.Number("x")
	assert.Equal(t, 1.0, x)
	waitFor(t, "synced", func() bool { return s.Status().State == bridge.StateSynced })

	// The merged document is pushed back.
	waitFor(t, "relay snapshot updated", func() bool {
		snap, err := st.Get(context.Background(), "r1")
		if err != nil {
			return false
		}
		var doc crdt.Snapshot
		json.Unmarshal(snap.Data, &doc)
		rec, ok := doc.Store["shape:1"].(map[string]any)
		return ok && rec["x"] == 1.0 && doc.Schema != nil
	})
}

func TestJoinNotSyncedOnCacheFailure(t *testing.T) {
	c := openCache(t)
	c.SetDocumentID("r1", "doc-1")
	c.SaveDocument("doc-1", []byte("not a document"))

	s := join(t, testConfig("r1", "", c))

	status := s.Status()
	assert.Equal(t, bridge.StateNotSynced, status.State)
	if status.Err == nil {
		t.Fatal("expected the load error on the status")
	}
	assert.Equal(t, 0, s.Store().Len())

	// Still usable.
	s.Store().Put(shape("shape:1", 0, 0))
	s.Bridge().Flush()
	if _, ok := s.Handle().Get(crdt.StoreKey, "shape:1"); !ok {
		t.Error("edit did not reach the document")
	}
}

func TestCacheFailureStaysNotSyncedOnline(t *testing.T) {
	c := openCache(t)
	c.SetDocumentID("r1", "doc-1")
	c.SaveDocument("doc-1", []byte("not a document"))

	srv, st := startRelay(t)
	remote, _ := json.Marshal(map[string]any{
		"store": map[string]any{"shape:2": shape("shape:2", 5, 5).Value()},
	})
	st.Put(context.Background(), "r1", remote)

	s := join(t, testConfig("r1", srv.URL, c))
	waitFor(t, "relay record", func() bool { return s.Store().Has("shape:2") })
	waitFor(t, "connected", func() bool { return s.Status().Connection == bridge.ConnectionOnline })
	s.Bridge().Flush()

	status := s.Status()
	assert.Equal(t, bridge.StateNotSynced, status.State)
	if status.Err == nil {
		t.Error("expected the load error to stay on the status")
	}
}

func TestSessionsConvergeThroughRelay(t *testing.T) {
	srv, st := startRelay(t)

	a := join(t, testConfig("r1", srv.URL, nil))
	b := join(t, testConfig("r1", srv.URL, nil))
	waitFor(t, "both connected", func() bool {
		return a.Status().Connection == bridge.ConnectionOnline && b.Status().Connection == bridge.ConnectionOnline
	})

	a.Store().Put(shape("shape:1", 0, 0))
	b.Store().Put(shape("shape:2", 10, 10))

	for _, s := range []*Session{a, b} {
		waitFor(t, "both records", func() bool {
			return s.Store().Has("shape:1") && s.Store().Has("shape:2")
		})
	}
	waitFor(t, "relay snapshot", func() bool {
		snap, err := st.Get(context.Background(), "r1")
		if err != nil {
			return false
		}
		var doc crdt.Snapshot
		json.Unmarshal(snap.Data, &doc)
		return len(doc.Store) == 2
	})
}

func TestJoinRequiresRoom(t *testing.T) {
	if _, err := Join(context.Background(), Config{}, records.NewStore(nil), nil); err == nil {
		t.Error("expected error")
	}
}

func TestRoomClient(t *testing.T) {
	srv, _ := startRelay(t)
	rc, err := NewRoomClient("ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := rc.Get(ctx, "nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("err = %v, want ErrRoomNotFound", err)
	}
	if err := rc.Put(ctx, "r", []byte(`[1]`)); err == nil {
		t.Error("expected relay to reject a non-object snapshot")
	}
	if err := rc.Put(ctx, "r", []byte(`{"store":{}}`)); err != nil {
		t.Fatal(err)
	}
	data, err := rc.Get(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, `{"store":{}}`, string(data))
}
