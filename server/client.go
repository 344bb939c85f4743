package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-canvas-sync/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024 * 1024
	joinWait   = 10 * time.Second
)

// Client represents a single WebSocket connection to a room.
type Client struct {
	SessionID string
	PeerID    string
	Metadata  json.RawMessage

	conn *websocket.Conn
	send chan []byte

	// The room this client is currently in (nil if not joined).
	mu     sync.Mutex
	room   *Room
	closed bool
	joined chan struct{}
}

func newClient(conn *websocket.Conn, sessionID, peerID string, metadata json.RawMessage) *Client {
	return &Client{
		SessionID: sessionID,
		PeerID:    peerID,
		Metadata:  metadata,
		conn:      conn,
		send:      make(chan []byte, 256),
		joined:    make(chan struct{}),
	}
}

func (c *Client) currentRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// ReadPump reads frames from the WebSocket and hands them to the room.
func (c *Client) ReadPump() {
	select {
	case <-c.joined:
	case <-time.After(joinWait):
		glog.Infof("[relay]client %s was never admitted to a room", c.SessionID)
		c.conn.Close()
		return
	}
	defer func() {
		if r := c.currentRoom(); r != nil {
			r.depart(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[relay]client %s read error = %v", c.SessionID, err)
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			c.sendError("invalid frame: " + err.Error())
			continue
		}
		r := c.currentRoom()
		if r == nil {
			c.sendError("not joined to a room")
			continue
		}
		r.submit(frame{client: c, msg: msg})
	}
}

// WritePump writes frames from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMsg(msg wire.Message) {
	c.sendRaw(msg.Encode())
}

// sendRaw queues data for the write pump. Frames for a closed or slow
// client are dropped.
func (c *Client) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		glog.V(1).Infof("[relay]client %s send buffer full, dropping frame", c.SessionID)
	}
}

// detach removes the client from its room and closes its send channel,
// which makes the write pump close the connection.
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = nil
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(text string) {
	c.sendMsg(wire.ErrorFrame(text))
}
