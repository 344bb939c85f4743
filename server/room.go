package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/wire"
)

type frame struct {
	client *Client
	msg    wire.Message
}

// envelope is what a room publishes to the broker so other relay
// instances can skip their own frames.
type envelope struct {
	Origin string       `json:"origin"`
	Frame  wire.Message `json:"frame"`
}

// Room relays frames between the peers connected to one room.
// All membership changes and frames are serialized through a single goroutine.
type Room struct {
	id      string
	origin  string
	broker  Broker
	clients map[*Client]bool
	peers   atomic.Int32

	incoming chan frame
	remote   chan wire.Message
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
	done     chan struct{}
	cancel   func() error
}

func newRoom(id, origin string, broker Broker) *Room {
	return &Room{
		id:       id,
		origin:   origin,
		broker:   broker,
		clients:  make(map[*Client]bool),
		incoming: make(chan frame, 64),
		remote:   make(chan wire.Message, 64),
		join:     make(chan *Client, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Peers returns the number of connected clients.
func (r *Room) Peers() int { return int(r.peers.Load()) }

// subscribe starts receiving frames published by other relay instances.
func (r *Room) subscribe(ctx context.Context) error {
	if r.broker == nil {
		return nil
	}
	cancel, err := r.broker.Subscribe(ctx, r.id, func(data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Infof("[relay]room %s bad broker payload: %v", r.id, err)
			return
		}
		if env.Origin == r.origin {
			return
		}
		select {
		case r.remote <- env.Frame:
		case <-r.stop:
		}
	})
	if err != nil {
		return err
	}
	r.cancel = cancel
	return nil
}

// Run is the room's main loop.
func (r *Room) Run() {
	defer close(r.done)
	for {
		select {
		case c := <-r.join:
			r.handleJoin(c)
		case c := <-r.leave:
			r.handleLeave(c)
		case f := <-r.incoming:
			r.handleFrame(f)
		case msg := <-r.remote:
			r.route(nil, msg)
		case <-r.stop:
			r.shutdown()
			return
		}
	}
}

func (r *Room) handleJoin(c *Client) {
	r.clients[c] = true
	r.peers.Store(int32(len(r.clients)))
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	close(c.joined)
	glog.Infof("[relay]room %s peer %s joined (session %s), %d connected", r.id, c.PeerID, c.SessionID, len(r.clients))
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	r.peers.Store(int32(len(r.clients)))
	c.detach()
	glog.Infof("[relay]room %s peer %s left, %d connected", r.id, c.PeerID, len(r.clients))

	// Notify others once the peer has no connection left.
	for other := range r.clients {
		if other.PeerID == c.PeerID {
			return
		}
	}
	r.relay(nil, wire.Message{
		Type:       wire.TypeLeave,
		SenderID:   c.PeerID,
		DocumentID: r.id,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (r *Room) handleFrame(f frame) {
	// the client may have left while its frame was queued
	if !r.clients[f.client] {
		glog.V(1).Infof("[relay]room %s dropping frame from departed session %s", r.id, f.client.SessionID)
		return
	}
	if f.msg.Type == wire.TypeError || f.msg.Type == wire.TypeLeave {
		f.client.sendError("frame type " + f.msg.Type + " is reserved for the relay")
		return
	}
	msg := f.msg.Stamp(f.client.PeerID, time.Now())
	if msg.DocumentID == "" {
		msg.DocumentID = r.id
	}
	glog.V(2).Infof("[relay]room %s %s frame %s -> %q", r.id, msg.Type, msg.SenderID, msg.TargetID)
	r.relay(f.client, msg)
}

// relay routes msg locally and publishes it for other instances.
func (r *Room) relay(from *Client, msg wire.Message) {
	r.route(from, msg)
	if r.broker == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Frame: msg})
	if err != nil {
		return
	}
	if err := r.broker.Publish(context.Background(), r.id, data); err != nil {
		glog.Errorf("[relay]room %s publish failed: %v", r.id, err)
	}
}

// route delivers msg to its target peer, or to every client but the sender.
func (r *Room) route(from *Client, msg wire.Message) {
	data := msg.Encode()
	for c := range r.clients {
		if c == from {
			continue
		}
		if msg.TargetID != "" && c.PeerID != msg.TargetID {
			continue
		}
		c.sendRaw(data)
	}
}

func (r *Room) shutdown() {
	if r.cancel != nil {
		if err := r.cancel(); err != nil {
			glog.Infof("[relay]room %s unsubscribe: %v", r.id, err)
		}
	}
	for c := range r.clients {
		delete(r.clients, c)
		c.detach()
	}
	r.peers.Store(0)
}

// submit hands a client's frame to the loop unless the room has stopped.
func (r *Room) submit(f frame) {
	select {
	case r.incoming <- f:
	case <-r.done:
	}
}

func (r *Room) depart(c *Client) {
	select {
	case r.leave <- c:
	case <-r.done:
	}
}

// Stop ends the room loop and closes every client's connection.
func (r *Room) Stop() {
	close(r.stop)
	<-r.done
}
