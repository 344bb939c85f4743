// Package bridge keeps a local record store and a replicated document in
// step. Local edits are translated into document transactions; remote
// document patches are translated back into store merges.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/records"
)

// RecordStore is the local store the bridge mirrors.
type RecordStore interface {
	Get(id records.ID) (records.Record, bool)
	AllRecords() []records.Record
	MergeRemoteChanges(fn func(tx *records.Tx))
	Listen(fn func(records.ChangeEvent), opts records.ListenOptions) func()
}

// DocumentHandle is the replicated document the bridge writes to.
//
// Change must notify On listeners exactly once per call, synchronously,
// before it returns, whether or not the mutator wrote anything or failed.
// The bridge's echo accounting depends on it.
type DocumentHandle interface {
	DocumentID() string
	WhenReady(ctx context.Context) error
	Change(fn func(tx *crdt.Tx) error) error
	Get(path ...string) (any, bool)
	Doc() crdt.Snapshot
	On(fn func(crdt.ChangeEvent)) crdt.ListenerID
	Off(id crdt.ListenerID)
}

// Outbound is told about every local transaction once it is in the
// document, so it can be sent to peers.
type Outbound interface {
	NotifyLocal(added, updated, removed []records.Record)
}

// Settings tunes the bridge's batching windows.
type Settings struct {
	PositionThrottle  time.Duration
	EraserDebounce    time.Duration
	EraserIdleTimeout time.Duration
	EraserTool        string
}

// DefaultSettings returns a 50ms position throttle and a 100ms eraser
// debounce with a 2s idle timeout.
func DefaultSettings() *Settings {
	return &Settings{
		PositionThrottle:  50 * time.Millisecond,
		EraserDebounce:    100 * time.Millisecond,
		EraserIdleTimeout: 2 * time.Second,
		EraserTool:        "eraser",
	}
}

// Option configures a Bridge in New.
type Option func(b *Bridge)

// WithSettings replaces the default settings.
func WithSettings(settings *Settings) Option {
	return func(b *Bridge) { b.settings = settings }
}

// WithOutbound registers the receiver of local transactions.
func WithOutbound(out Outbound) Option {
	return func(b *Bridge) { b.outbound = out }
}

// Stats counts what the bridge has done.
type Stats struct {
	LocalTransactions int64
	RemoteMerges      int64
	EchoesSuppressed  int64
}

type storeEvent struct{ ev records.ChangeEvent }
type docEvent struct{ patches []crdt.Patch }
type toolEvent struct{ tool string }
type flushEvent struct{ done chan struct{} }

// Bridge binds one record store to one document. All translation work runs
// on a single goroutine that owns the pending queues and timers.
type Bridge struct {
	store    RecordStore
	handle   DocumentHandle
	schema   *records.Schema
	settings *Settings
	outbound Outbound

	// pendingLocal counts local document transactions whose change
	// notification has not been seen yet.
	pendingLocal atomic.Int64

	inbox  *mailbox
	status *statusBoard
	online atomic.Bool

	localTx    atomic.Int64
	remoteTx   atomic.Int64
	suppressed atomic.Int64

	unlistenStore func()
	docListener   crdt.ListenerID

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once

	// owned by the loop goroutine
	positionQueue *records.Diff
	positionTimer *time.Timer
	eraser        eraserState
	eraserQueue   *records.Diff
	debounceTimer *time.Timer
	idleTimer     *time.Timer
}

// New binds store to handle. Nothing happens until Start.
func New(store RecordStore, handle DocumentHandle, schema *records.Schema, opts ...Option) *Bridge {
	if schema == nil {
		schema = records.DefaultSchema()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:    store,
		handle:   handle,
		schema:   schema,
		settings: DefaultSettings(),
		inbox:    newMailbox(),
		status:   newStatusBoard(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start waits for the document, loads it into the store, pushes
// store-only records into the document, and starts the loop.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.handle.WhenReady(ctx); err != nil {
		b.Fail(err)
		return err
	}
	b.docListener = b.handle.On(b.onDocChange)
	b.unlistenStore = b.store.Listen(b.onStoreChange, records.ListenOptions{Scope: records.ScopeDocument})

	b.initialLoad()

	b.started.Store(true)
	go b.run()
	glog.Infof("[bridge]%s started", b.handle.DocumentID())
	return nil
}

// Close stops the loop after flushing everything still pending into the
// document. It is safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.started.Load() {
			<-b.done
		}
	})
}

// Flush applies both pending queues now and returns once they are in the
// document.
func (b *Bridge) Flush() {
	if !b.started.Load() {
		return
	}
	done := make(chan struct{})
	if !b.inbox.push(flushEvent{done: done}) {
		return
	}
	select {
	case <-done:
	case <-b.done:
	}
}

// SetTool tells the bridge which editing tool is active. Selecting the
// eraser holds non-position edits back so a whole erase gesture lands as one
// transaction.
func (b *Bridge) SetTool(tool string) {
	b.inbox.push(toolEvent{tool: tool})
}

// Status returns the current sync state and connection.
func (b *Bridge) Status() Status {
	return b.status.get()
}

// OnStatus registers fn to be called on every status change.
func (b *Bridge) OnStatus(fn func(Status)) {
	b.status.onChange(fn)
}

// SetStatus records the sync state. A nil err clears any previous error.
// It has no effect once Fail has been called.
func (b *Bridge) SetStatus(state State, err error) {
	b.status.setState(state, err)
}

// Fail marks the room not-synced with err for the rest of the bridge's
// life. Later sync progress only updates the connection.
func (b *Bridge) Fail(err error) {
	b.status.fail(err)
}

// SetOnline records whether the transport is connected.
func (b *Bridge) SetOnline(online bool) {
	b.online.Store(online)
	b.status.update(func(s *Status) {
		if online {
			s.Connection = ConnectionOnline
		} else {
			s.Connection = ConnectionOffline
		}
	})
}

// Stats returns the bridge's counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		LocalTransactions: b.localTx.Load(),
		RemoteMerges:      b.remoteTx.Load(),
		EchoesSuppressed:  b.suppressed.Load(),
	}
}

// onDocChange runs synchronously inside the document's commit. A batch
// is the echo of a local transaction exactly when one is pending.
func (b *Bridge) onDocChange(ev crdt.ChangeEvent) {
	for {
		n := b.pendingLocal.Load()
		if n < 0 {
			glog.Errorf("[bridge]%s pending local change count underflow (%d), clamping", b.handle.DocumentID(), n)
			b.pendingLocal.CompareAndSwap(n, 0)
			continue
		}
		if n == 0 {
			break
		}
		if b.pendingLocal.CompareAndSwap(n, n-1) {
			b.suppressed.Add(1)
			return
		}
	}
	b.inbox.push(docEvent{patches: ev.Patches})
}

func (b *Bridge) onStoreChange(ev records.ChangeEvent) {
	b.inbox.push(storeEvent{ev: ev})
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case <-b.inbox.signal:
			for _, item := range b.inbox.drain() {
				b.dispatch(item)
			}
		case <-timerC(b.positionTimer):
			b.positionTimer = nil
			b.flushPosition()
		case <-timerC(b.debounceTimer):
			b.debounceTimer = nil
			b.eraser = eraserIdle
			b.flushEraser()
		case <-timerC(b.idleTimer):
			b.idleTimer = nil
			b.flushEraser()
		case <-b.ctx.Done():
			b.teardown()
			return
		}
	}
}

func (b *Bridge) dispatch(item any) {
	switch e := item.(type) {
	case storeEvent:
		b.handleLocal(e.ev)
	case docEvent:
		b.applyRemote(e.patches)
	case toolEvent:
		b.handleTool(e.tool)
	case flushEvent:
		b.flushPosition()
		b.flushEraser()
		close(e.done)
	}
}

func (b *Bridge) teardown() {
	if b.unlistenStore != nil {
		b.unlistenStore()
	}
	b.handle.Off(b.docListener)

	b.eraser = eraserIdle
	for _, item := range b.inbox.close() {
		b.dispatch(item)
	}
	b.flushPosition()
	b.flushEraser()
	stopTimer(&b.positionTimer)
	stopTimer(&b.debounceTimer)
	stopTimer(&b.idleTimer)
	glog.Infof("[bridge]%s closed", b.handle.DocumentID())
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
