// Package wire is the frame format spoken over room WebSockets by clients
// and the relay.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Message types.
const (
	TypeSync     = "sync"
	TypePresence = "presence"
	TypeError    = "error"
	// TypeLeave is sent by the relay when a peer's last connection closes.
	TypeLeave    = "leave"
)

var ErrNoType = errors.New("frame has no type")

// Message is one frame. An empty TargetID broadcasts to every other peer in
// the room.
type Message struct {
	Type       string          `json:"type"`
	SenderID   string          `json:"senderId,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Encode serializes the message.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Decode parses and validates a frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, ErrNoType
	}
	return m, nil
}

// Stamp fills a missing sender and timestamp.
func (m Message) Stamp(senderID string, now time.Time) Message {
	if m.SenderID == "" {
		m.SenderID = senderID
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
	return m
}

// WithData returns a copy of m carrying v as its JSON payload.
func (m Message) WithData(v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	m.Data = b
	return m, nil
}

// ErrorFrame builds a relay error frame.
func ErrorFrame(text string) Message {
	m, _ := Message{Type: TypeError}.WithData(text)
	return m
}
