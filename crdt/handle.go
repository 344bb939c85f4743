package crdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotReady = errors.New("document not ready")

// ChangeEvent carries the patches of one commit or one remote merge.
type ChangeEvent struct {
	Patches []Patch
}

type ListenerID uint64

// Handle is the shared entry point to one replicated document.
//
// Every Change call notifies listeners exactly once, even when the mutator
// wrote nothing or failed. Notifications of different commits never
// interleave: they are delivered one commit at a time, in commit order,
// after the document lock is released. Listeners may read the document but
// must not call Change or ApplyChanges synchronously.
type Handle struct {
	documentID string

	emitMu sync.Mutex
	mu     sync.RWMutex
	doc    *document

	listeners map[ListenerID]func(ChangeEvent)
	nextID    ListenerID

	ready     chan struct{}
	readyOnce sync.Once
}

// NewHandle creates an empty document. actor must be unique to this
// replica for the lifetime of the process.
func NewHandle(documentID, actor string) *Handle {
	return &Handle{
		documentID: documentID,
		doc:        newDocument(actor),
		listeners:  map[ListenerID]func(ChangeEvent){},
		ready:      make(chan struct{}),
	}
}

// LoadHandle restores a document saved with Save.
func LoadHandle(documentID, actor string, data []byte) (*Handle, error) {
	h := NewHandle(documentID, actor)
	if err := h.doc.load(data); err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return h, nil
}

func (h *Handle) DocumentID() string { return h.documentID }

func (h *Handle) Actor() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.actor
}

// MarkReady releases WhenReady waiters. Calling it again is a no-op.
func (h *Handle) MarkReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) IsReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// WhenReady blocks until MarkReady has been called or ctx is done.
func (h *Handle) WhenReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// On subscribes fn to change events.
func (h *Handle) On(fn func(ChangeEvent)) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners[h.nextID] = fn
	return h.nextID
}

func (h *Handle) Off(id ListenerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// Change runs fn as one local transaction. If fn returns an error its
// writes are rolled back and the error is returned.
func (h *Handle) Change(fn func(tx *Tx) error) error {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	tx := &Tx{doc: h.doc}
	err := fn(tx)
	if err != nil {
		tx.rollback()
	} else {
		h.doc.commit(tx.ops, time.Now().UnixMilli())
	}
	patches := tx.patches
	ls := h.listenersLocked()
	h.mu.Unlock()

	emit(ls, ChangeEvent{Patches: patches})
	return err
}

// ApplyChanges merges changes from other replicas and returns how many were
// new. Listeners are notified once if anything was new.
func (h *Handle) ApplyChanges(changes []Change) int {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	var patches []Patch
	applied := 0
	for _, ch := range changes {
		p, ok := h.doc.ingest(ch)
		if !ok {
			continue
		}
		applied++
		patches = append(patches, p...)
	}
	ls := h.listenersLocked()
	h.mu.Unlock()

	if applied == 0 {
		return 0
	}
	if glog.V(2) {
		glog.Infof("[crdt]%s merged %d changes, %d patches", h.documentID, applied, len(patches))
	}
	emit(ls, ChangeEvent{Patches: patches})
	return applied
}

// Changes returns every change not covered by since.
func (h *Handle) Changes(since VersionVector) []Change {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.changesSince(since)
}

func (h *Handle) Version() VersionVector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.version.Clone()
}

// Doc returns a deep copy of the current document.
func (h *Handle) Doc() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.snapshot()
}

// Get reads a deep copy of the value at path.
func (h *Handle) Get(path ...string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.get(path)
}

// Save serializes the document's full change history.
func (h *Handle) Save() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc.save()
}

func (h *Handle) listenersLocked() []func(ChangeEvent) {
	ids := make([]ListenerID, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		out = append(out, h.listeners[id])
	}
	return out
}

func emit(ls []func(ChangeEvent), ev ChangeEvent) {
	for _, fn := range ls {
		fn(ev)
	}
}
