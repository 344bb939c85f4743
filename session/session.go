// Package session joins a room offline-first: the local cache is loaded
// before anything touches the network, the relay's snapshot is merged in
// the background, and the document is persisted locally and to the relay
// as it changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/alimasry/go-canvas-sync/bridge"
	"github.com/alimasry/go-canvas-sync/cache"
	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/network"
	"github.com/alimasry/go-canvas-sync/records"
	"github.com/alimasry/go-canvas-sync/replica"
)

type Config struct {
	RoomID string
	// RelayURL is empty for a purely local session.
	RelayURL string
	// PeerID defaults to a random id.
	PeerID   string
	Metadata map[string]any
	// Cache is optional; without it nothing survives the process.
	Cache *cache.Cache

	PersistDebounce time.Duration // relay snapshot push, default 2s
	SaveDebounce    time.Duration // local cache save, default 2s
	FetchTimeout    time.Duration // initial snapshot fetch, default 10s

	Bridge     *bridge.Settings
	Network    *network.Settings
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.PeerID == "" {
		c.PeerID = uuid.NewString()
	}
	if c.PersistDebounce == 0 {
		c.PersistDebounce = 2 * time.Second
	}
	if c.SaveDebounce == 0 {
		c.SaveDebounce = 2 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Bridge == nil {
		c.Bridge = bridge.DefaultSettings()
	}
}

// Session is one joined room.
type Session struct {
	cfg        Config
	documentID string
	schema     *records.Schema

	store   *records.Store
	handle  *crdt.Handle
	bridge  *bridge.Bridge
	adapter *network.Adapter
	replica *replica.Replica
	rooms   *RoomClient

	listener    crdt.ListenerID
	dirty       chan struct{}
	pushPending atomic.Bool
	initErr     error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Join enters cfg.RoomID. It returns as soon as the locally cached document
// is in store; the relay is contacted in the background. Cache failures do
// not fail Join: the session starts empty with status not-synced.
func Join(ctx context.Context, cfg Config, store *records.Store, schema *records.Schema) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("session: room id is required")
	}
	cfg.setDefaults()
	if schema == nil {
		schema = records.DefaultSchema()
	}

	s := &Session{
		cfg:    cfg,
		schema: schema,
		store:  store,
		dirty:  make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.RelayURL != "" {
		rooms, err := NewRoomClient(cfg.RelayURL, cfg.HTTPClient)
		if err != nil {
			s.cancel()
			return nil, err
		}
		s.rooms = rooms
	}

	s.handle, s.initErr = s.openDocument()
	s.handle.MarkReady()
	s.ensureSchema()

	opts := []bridge.Option{bridge.WithSettings(cfg.Bridge)}
	if s.rooms != nil {
		s.adapter = network.NewAdapter(cfg.RelayURL, cfg.RoomID, cfg.Network)
		s.replica = replica.New(s.handle, s.adapter)
		opts = append(opts, bridge.WithOutbound(s.replica))
	}
	s.bridge = bridge.New(store, s.handle, schema, opts...)
	if err := s.bridge.Start(ctx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("session: start bridge: %w", err)
	}

	populated := len(s.handle.Doc().Store) > 0
	switch {
	case s.initErr != nil:
		s.bridge.Fail(s.initErr)
	case populated || s.rooms == nil:
		s.bridge.SetStatus(bridge.StateOfflineReady, nil)
	}

	s.listener = s.handle.On(func(ev crdt.ChangeEvent) {
		if len(ev.Patches) > 0 {
			s.markDirty()
		}
	})
	s.wg.Add(1)
	go s.persistLoop()

	if s.adapter != nil {
		s.adapter.OnStateChange(s.onConnection)
		s.replica.Start()
		s.adapter.Connect(cfg.PeerID, cfg.Metadata)

		s.wg.Add(1)
		go s.fetchSnapshot()
	}

	glog.Infof("[session]%s joined as %s, document %s (populated=%v)", cfg.RoomID, cfg.PeerID, s.documentID, populated)
	return s, nil
}

// openDocument loads the room's document from the cache, or creates and
// maps a new one. On failure it still returns a usable empty handle.
func (s *Session) openDocument() (*crdt.Handle, error) {
	actor := uuid.NewString()
	c := s.cfg.Cache
	if c == nil {
		s.documentID = ulid.Make().String()
		return crdt.NewHandle(s.documentID, actor), nil
	}

	docID, err := c.DocumentID(s.cfg.RoomID)
	if errors.Is(err, cache.ErrNotFound) {
		s.documentID = ulid.Make().String()
		if err := c.SetDocumentID(s.cfg.RoomID, s.documentID); err != nil {
			return crdt.NewHandle(s.documentID, actor), fmt.Errorf("persist room mapping: %w", err)
		}
		glog.Infof("[session]%s new document %s", s.cfg.RoomID, s.documentID)
		return crdt.NewHandle(s.documentID, actor), nil
	}
	if err != nil {
		s.documentID = ulid.Make().String()
		return crdt.NewHandle(s.documentID, actor), fmt.Errorf("read room mapping: %w", err)
	}

	s.documentID = docID
	data, err := c.LoadDocument(docID)
	if errors.Is(err, cache.ErrNotFound) {
		return crdt.NewHandle(docID, actor), nil
	}
	if err != nil {
		return crdt.NewHandle(docID, actor), fmt.Errorf("load document: %w", err)
	}
	h, err := crdt.LoadHandle(docID, actor, data)
	if err != nil {
		return crdt.NewHandle(docID, actor), fmt.Errorf("load document: %w", err)
	}
	return h, nil
}

func (s *Session) ensureSchema() {
	if _, ok := s.handle.Get(crdt.SchemaKey); ok {
		return
	}
	err := s.handle.Change(func(tx *crdt.Tx) error {
		return tx.Put([]string{crdt.SchemaKey}, s.schema.Descriptor())
	})
	if err != nil {
		glog.Errorf("[session]%s write schema: %v", s.cfg.RoomID, err)
	}
}

func (s *Session) onConnection(state network.ConnectionState) {
	s.bridge.SetOnline(state == network.StateConnected)
	if state == network.StateConnected && s.pushPending.Load() {
		s.markDirty()
	}
}

// fetchSnapshot merges the relay's snapshot into the document once.
func (s *Session) fetchSnapshot() {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
	defer cancel()

	data, err := s.rooms.Get(ctx, s.cfg.RoomID)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		glog.Infof("[session]%s relay has no snapshot yet", s.cfg.RoomID)
		s.markDirty()
	case err != nil:
		glog.Infof("[session]%s snapshot fetch failed, staying offline: %v", s.cfg.RoomID, err)
		s.pushPending.Store(true)
		if s.initErr == nil {
			s.bridge.SetStatus(bridge.StateOfflineReady, nil)
		}
		return
	default:
		added, err := mergeSnapshot(s.handle, s.schema, data)
		if err != nil {
			glog.Errorf("[session]%s snapshot merge: %v", s.cfg.RoomID, err)
			if s.initErr == nil {
				s.bridge.SetStatus(bridge.StateNotSynced, err)
			}
			return
		}
		glog.Infof("[session]%s merged relay snapshot, %d records added", s.cfg.RoomID, added)
		if s.replica != nil {
			s.replica.Flush()
		}
	}
	if s.initErr == nil {
		s.bridge.SetStatus(bridge.StateSynced, nil)
	}
}

// Close flushes pending edits, saves locally, pushes the snapshot once
// more and disconnects.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.bridge.Close()
		s.cancel()
		s.wg.Wait()
		s.handle.Off(s.listener)

		s.saveLocal()
		if s.rooms != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.push(ctx)
			cancel()
		}
		if s.replica != nil {
			s.replica.Close()
			s.adapter.Disconnect()
		}
		glog.Infof("[session]%s closed", s.cfg.RoomID)
	})
}

func (s *Session) RoomID() string { return s.cfg.RoomID }
func (s *Session) PeerID() string { return s.cfg.PeerID }
func (s *Session) DocumentID() string { return s.documentID }
func (s *Session) Store() *records.Store { return s.store }
func (s *Session) Handle() *crdt.Handle { return s.handle }
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }
func (s *Session) Replica() *replica.Replica { return s.replica }
func (s *Session) Adapter() *network.Adapter { return s.adapter }
func (s *Session) Status() bridge.Status { return s.bridge.Status() }
func (s *Session) OnStatus(fn func(bridge.Status)) { s.bridge.OnStatus(fn) }
