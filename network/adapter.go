// Package network keeps one WebSocket per room open to the relay,
// reconnecting with back-off when it drops.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-canvas-sync/wire"
)

type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Settings struct {
	ConnectDelay     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
	ReconnectBackOff func() backoff.BackOff
}

func DefaultSettings() *Settings {
	pongWait := 60 * time.Second
	return &Settings{
		ConnectDelay:     500 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         pongWait,
		PingPeriod:       (pongWait * 9) / 10,
		MaxMessageSize:   4 * 1024 * 1024,
		SendBufferSize:   256,
		ReconnectBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(5 * time.Second)
		},
	}
}

// fallbackRetry is used if a back-off policy gives up; reconnects never stop.
const fallbackRetry = 5 * time.Second

// Adapter is the client side of one room connection.
type Adapter struct {
	relayURL  string
	roomID    string
	sessionID string
	settings  *Settings
	dialer    *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    ConnectionState
	started  bool
	peerID   string
	metadata map[string]any
	send     chan []byte
	ready    chan struct{}

	handlersMu sync.RWMutex
	onMessage  []func(wire.Message)
	onClose    []func()
	onState    []func(ConnectionState)
}

// NewAdapter prepares an adapter for roomID on the relay at relayURL. http
// and https URLs are rewritten to ws and wss.
func NewAdapter(relayURL, roomID string, settings *Settings) *Adapter {
	if settings == nil {
		settings = DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		relayURL:  relayURL,
		roomID:    roomID,
		sessionID: uuid.NewString(),
		settings:  settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
		ready:  make(chan struct{}),
	}
}

func (a *Adapter) SessionID() string { return a.sessionID }
func (a *Adapter) RoomID() string    { return a.roomID }

func (a *Adapter) PeerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerID
}

// Endpoint is the WebSocket URL the adapter dials.
func (a *Adapter) Endpoint() (string, error) {
	return Endpoint(a.relayURL, a.roomID, a.sessionID, a.PeerID())
}

// Endpoint builds <relay>/connect/<roomId>?sessionId=<id>.
func Endpoint(relayURL, roomID, sessionID, peerID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	escaped := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/connect/" + roomID
	u.RawPath = escaped + "/connect/" + url.PathEscape(roomID)
	q := u.Query()
	q.Set("sessionId", sessionID)
	if peerID != "" {
		q.Set("peerId", peerID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts connecting as peerID. Only the first call has an effect.
func (a *Adapter) Connect(peerID string, metadata map[string]any) {
	a.mu.Lock()
	if a.started || a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.peerID = peerID
	a.metadata = metadata
	a.mu.Unlock()

	go a.run()
}

// Disconnect closes the connection for good.
func (a *Adapter) Disconnect() {
	a.cancel()
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if started {
		<-a.done
	}
	a.setState(StateDisconnected)
}

func (a *Adapter) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsReady reports whether frames can be sent right now.
func (a *Adapter) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateConnected && a.send != nil
}

// WhenReady blocks until the adapter is connected or ctx is done.
func (a *Adapter) WhenReady(ctx context.Context) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) OnMessage(fn func(wire.Message)) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.onMessage = append(a.onMessage, fn)
}

func (a *Adapter) OnClose(fn func()) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.onClose = append(a.onClose, fn)
}

func (a *Adapter) OnStateChange(fn func(ConnectionState)) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.onState = append(a.onState, fn)
}

// Send delivers msg to its target, or to every peer if it has none. It is
// a no-op while the transport is not open.
func (a *Adapter) Send(msg wire.Message) {
	a.mu.Lock()
	send := a.send
	peerID := a.peerID
	a.mu.Unlock()
	if send == nil {
		glog.V(1).Infof("[net]%s drop %s frame, not connected", a.roomID, msg.Type)
		return
	}
	if msg.DocumentID == "" {
		msg.DocumentID = a.roomID
	}
	data := msg.Stamp(peerID, time.Now()).Encode()
	select {
	case send <- data:
	default:
		glog.Infof("[net]%s send buffer full, dropping %s frame", a.roomID, msg.Type)
	}
}

// Broadcast delivers msg to every other peer in the room.
func (a *Adapter) Broadcast(msg wire.Message) {
	msg.TargetID = ""
	a.Send(msg)
}

func (a *Adapter) setState(s ConnectionState) {
	a.mu.Lock()
	if a.state == s || a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()

	glog.Infof("[net]%s %s", a.roomID, s)
	a.handlersMu.RLock()
	handlers := append(([]func(ConnectionState))(nil), a.onState...)
	a.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (a *Adapter) run() {
	defer close(a.done)

	policy := a.settings.ReconnectBackOff()
	select {
	case <-a.ctx.Done():
		return
	case <-time.After(a.settings.ConnectDelay):
	}

	for {
		conn, err := a.dial()
		if err != nil {
			glog.Infof("[net]%s dial error = %v", a.roomID, err)
		} else {
			policy.Reset()
			a.serve(conn)
		}
		if a.ctx.Err() != nil {
			return
		}
		a.setState(StateReconnecting)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = fallbackRetry
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) dial() (*websocket.Conn, error) {
	endpoint, err := a.Endpoint()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	metadata := a.metadata
	a.mu.Unlock()
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			endpoint += "&metadata=" + url.QueryEscape(string(b))
		}
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.settings.HandshakeTimeout)
	defer cancel()
	conn, _, err := a.dialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

// serve runs one open connection until it drops or the adapter is closed.
func (a *Adapter) serve(conn *websocket.Conn) {
	send := make(chan []byte, a.settings.SendBufferSize)
	a.mu.Lock()
	a.send = send
	close(a.ready)
	a.mu.Unlock()
	a.setState(StateConnected)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		a.readPump(conn)
	}()
	a.writePump(conn, send, readDone)
	conn.Close()
	<-readDone

	a.mu.Lock()
	a.send = nil
	a.ready = make(chan struct{})
	a.mu.Unlock()

	a.handlersMu.RLock()
	handlers := append([]func(){}, a.onClose...)
	a.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (a *Adapter) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(a.settings.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(a.settings.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.settings.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[net]%s read error = %v", a.roomID, err)
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			glog.Infof("[net]%s bad frame: %v", a.roomID, err)
			continue
		}
		glog.V(2).Infof("[net]%s <- %s from %s", a.roomID, msg.Type, msg.SenderID)

		a.handlersMu.RLock()
		handlers := append([]func(wire.Message){}, a.onMessage...)
		a.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn(msg)
		}
	}
}

func (a *Adapter) writePump(conn *websocket.Conn, send chan []byte, readDone chan struct{}) {
	ticker := time.NewTicker(a.settings.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-a.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(a.settings.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(a.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Infof("[net]%s write error = %v", a.roomID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(a.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
