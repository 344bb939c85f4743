// Package replica keeps a crdt.Handle converged with the other peers in a
// room by exchanging changes over a room transport.
//
// On every (re)connect a replica broadcasts a sync request carrying its
// version vector. Each peer answers the requester directly with the changes
// it lacks plus the peer's own vector, and the requester answers with what
// the peer lacks. Local edits are broadcast as they happen; edits made while
// offline stay unsent and go out on the next connect.
package replica

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/network"
	"github.com/alimasry/go-canvas-sync/records"
	"github.com/alimasry/go-canvas-sync/wire"
)

// Transport is the room connection a replica speaks through.
// *network.Adapter implements it.
type Transport interface {
	PeerID() string
	IsReady() bool
	Send(msg wire.Message)
	Broadcast(msg wire.Message)
	OnMessage(fn func(wire.Message))
	OnStateChange(fn func(network.ConnectionState))
}

const (
	kindRequest = "request"
	kindChanges = "changes"
)

type syncPayload struct {
	Kind    string             `json:"kind"`
	Have    crdt.VersionVector `json:"have,omitempty"`
	Changes []crdt.Change      `json:"changes,omitempty"`
	// Reply marks an answer to a request; the receiver sends back what the
	// replier lacks.
	Reply bool `json:"reply,omitempty"`
}

// PresenceFunc receives a peer's presence. data is nil when the peer left.
type PresenceFunc func(peerID string, data json.RawMessage)

type Replica struct {
	handle    *crdt.Handle
	transport Transport

	mu       sync.Mutex
	sent     uint64 // highest own seq broadcast
	closed   bool
	local    json.RawMessage
	presence map[string]json.RawMessage

	handlersMu sync.RWMutex
	onPresence []PresenceFunc

	outbound atomic.Int64
	received atomic.Int64
}

func New(handle *crdt.Handle, transport Transport) *Replica {
	return &Replica{
		handle:    handle,
		transport: transport,
		presence:  make(map[string]json.RawMessage),
	}
}

// Start subscribes to the transport. If it is already connected the
// initial sync starts right away.
func (r *Replica) Start() {
	r.transport.OnMessage(r.handleMessage)
	r.transport.OnStateChange(func(s network.ConnectionState) {
		if s == network.StateConnected {
			r.onConnected()
		}
	})
	if r.transport.IsReady() {
		r.onConnected()
	}
}

// Close stops sending and receiving.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NotifyLocal is the bridge's outbound hook. The records themselves are
// already in the document; what goes out is the document change.
func (r *Replica) NotifyLocal(added, updated, removed []records.Record) {
	glog.V(2).Infof("[replica]%s local +%d ~%d -%d", r.handle.DocumentID(), len(added), len(updated), len(removed))
	r.Flush()
}

// Flush broadcasts own changes not sent yet. It does nothing while the
// transport is down; those changes go out after the next connect.
func (r *Replica) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.transport.IsReady() {
		return
	}
	actor := r.handle.Actor()
	var pending []crdt.Change
	for _, ch := range r.handle.Changes(crdt.VersionVector{actor: r.sent}) {
		if ch.Actor == actor {
			pending = append(pending, ch)
		}
	}
	if len(pending) == 0 {
		return
	}
	msg, err := wire.Message{Type: wire.TypeSync}.WithData(syncPayload{Kind: kindChanges, Changes: pending})
	if err != nil {
		glog.Errorf("[replica]%s encode changes: %v", r.handle.DocumentID(), err)
		return
	}
	r.transport.Broadcast(msg)
	r.sent = pending[len(pending)-1].Seq
	r.outbound.Add(1)
	glog.V(1).Infof("[replica]%s broadcast %d changes up to seq %d", r.handle.DocumentID(), len(pending), r.sent)
}

// Outbound is the number of change broadcasts made so far.
func (r *Replica) Outbound() int64 { return r.outbound.Load() }

// Received is the number of remote changes that were new to the document.
func (r *Replica) Received() int64 { return r.received.Load() }

// SetPresence broadcasts data as this peer's presence. Presence is never
// written to the document.
func (r *Replica) SetPresence(data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.local = b
	r.mu.Unlock()
	r.sendPresence()
	return nil
}

// OnPresence registers fn for presence updates from other peers.
func (r *Replica) OnPresence(fn PresenceFunc) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.onPresence = append(r.onPresence, fn)
}

// Presence returns the last presence of every known peer.
func (r *Replica) Presence() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]json.RawMessage, len(r.presence))
	for k, v := range r.presence {
		out[k] = v
	}
	return out
}

func (r *Replica) onConnected() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	glog.V(1).Infof("[replica]%s connected, requesting sync", r.handle.DocumentID())
	r.send("", syncPayload{Kind: kindRequest, Have: r.handle.Version()})
	r.Flush()
	r.sendPresence()
}

func (r *Replica) sendPresence() {
	r.mu.Lock()
	local := r.local
	closed := r.closed
	r.mu.Unlock()
	if closed || local == nil || !r.transport.IsReady() {
		return
	}
	r.transport.Broadcast(wire.Message{Type: wire.TypePresence, Data: local})
}

// send delivers a sync payload to target, or broadcasts it if target is empty.
func (r *Replica) send(target string, p syncPayload) {
	msg, err := wire.Message{Type: wire.TypeSync, TargetID: target}.WithData(p)
	if err != nil {
		glog.Errorf("[replica]%s encode %s: %v", r.handle.DocumentID(), p.Kind, err)
		return
	}
	if target == "" {
		r.transport.Broadcast(msg)
		return
	}
	r.transport.Send(msg)
}

func (r *Replica) handleMessage(msg wire.Message) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed || msg.SenderID == r.transport.PeerID() {
		return
	}

	switch msg.Type {
	case wire.TypeSync:
		var p syncPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			glog.Infof("[replica]%s bad sync frame from %s: %v", r.handle.DocumentID(), msg.SenderID, err)
			return
		}
		r.handleSync(msg.SenderID, p)
	case wire.TypePresence:
		r.setPeerPresence(msg.SenderID, msg.Data)
	case wire.TypeLeave:
		r.setPeerPresence(msg.SenderID, nil)
	case wire.TypeError:
		glog.Infof("[replica]%s relay error: %s", r.handle.DocumentID(), msg.Data)
	}
}

func (r *Replica) handleSync(from string, p syncPayload) {
	switch p.Kind {
	case kindRequest:
		r.send(from, syncPayload{
			Kind:    kindChanges,
			Have:    r.handle.Version(),
			Changes: r.handle.Changes(p.Have),
			Reply:   true,
		})
	case kindChanges:
		if len(p.Changes) > 0 {
			n := r.handle.ApplyChanges(p.Changes)
			r.received.Add(int64(n))
			glog.V(1).Infof("[replica]%s %d of %d changes from %s were new", r.handle.DocumentID(), n, len(p.Changes), from)
		}
		if p.Reply {
			if missing := r.handle.Changes(p.Have); len(missing) > 0 {
				r.send(from, syncPayload{Kind: kindChanges, Changes: missing})
			}
		}
	default:
		glog.Infof("[replica]%s unknown sync kind %q from %s", r.handle.DocumentID(), p.Kind, from)
	}
}

func (r *Replica) setPeerPresence(peerID string, data json.RawMessage) {
	if peerID == "" {
		return
	}
	if string(data) == "null" {
		data = nil
	}
	r.mu.Lock()
	if data == nil {
		delete(r.presence, peerID)
	} else {
		r.presence[peerID] = data
	}
	r.mu.Unlock()

	r.handlersMu.RLock()
	handlers := append([]PresenceFunc(nil), r.onPresence...)
	r.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(peerID, data)
	}
}
