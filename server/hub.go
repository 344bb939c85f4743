package server

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/alimasry/go-canvas-sync/store"
)

type joinRequest struct {
	client *Client
	roomID string
}

// Hub manages rooms and routes clients to the right room.
type Hub struct {
	store  store.SnapshotStore
	broker Broker
	origin string
	rooms  map[string]*Room
	mu     sync.RWMutex

	joinRoom chan joinRequest
	closed   chan struct{}
	once     sync.Once
}

// NewHub creates a hub persisting snapshots in st. broker may be nil for a
// single-instance relay.
func NewHub(st store.SnapshotStore, broker Broker) *Hub {
	return &Hub{
		store:    st,
		broker:   broker,
		origin:   uuid.NewString(),
		rooms:    make(map[string]*Room),
		joinRoom: make(chan joinRequest, 64),
		closed:   make(chan struct{}),
	}
}

// Store returns the hub's snapshot store.
func (h *Hub) Store() store.SnapshotStore { return h.store }

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.joinRoom:
			h.handleJoinRoom(req)
		case <-h.closed:
			return
		}
	}
}

func (h *Hub) handleJoinRoom(req joinRequest) {
	h.mu.Lock()
	r, ok := h.rooms[req.roomID]
	if ok {
		select {
		case <-r.done:
			ok = false // stopped; start a fresh one
		default:
		}
	}
	if !ok {
		r = newRoom(req.roomID, h.origin, h.broker)
		if err := r.subscribe(context.Background()); err != nil {
			// Local relaying still works without fan-out.
			glog.Errorf("[relay]room %s broker subscribe failed: %v", req.roomID, err)
		}
		h.rooms[req.roomID] = r
		go r.Run()
	}
	h.mu.Unlock()

	select {
	case r.join <- req.client:
	case <-r.done:
	}
}

// Join queues c to join roomID.
func (h *Hub) Join(c *Client, roomID string) {
	select {
	case h.joinRoom <- joinRequest{client: c, roomID: roomID}:
	case <-h.closed:
	}
}

// GetRoom returns the room for an id, if active.
func (h *Hub) GetRoom(roomID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// Rooms returns the active rooms ordered by id.
func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

// Close stops the hub and every room.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		rooms := h.rooms
		h.rooms = make(map[string]*Room)
		h.mu.Unlock()
		for _, r := range rooms {
			r.Stop()
		}
	})
}
