package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrRoomNotFound = errors.New("room has no snapshot on the relay")

// RoomClient speaks the relay's /room/{roomId} resource.
type RoomClient struct {
	base   string
	client *http.Client
}

// NewRoomClient accepts http(s) and ws(s) relay URLs.
func NewRoomClient(relayURL string, client *http.Client) (*RoomClient, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RoomClient{base: strings.TrimSuffix(u.String(), "/"), client: client}, nil
}

func (c *RoomClient) roomURL(roomID string) string {
	return c.base + "/room/" + url.PathEscape(roomID)
}

// Get fetches the room's snapshot JSON.
func (c *RoomClient) Get(ctx context.Context, roomID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(roomID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Put replaces the room's snapshot.
func (c *RoomClient) Put(ctx context.Context, roomID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.roomURL(roomID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return relayError(resp)
	}
	return nil
}

func relayError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return fmt.Errorf("relay: %s", resp.Status)
	}
	return fmt.Errorf("relay: %s: %s (%s)", resp.Status, body.Message, body.Code)
}
