package bridge

import (
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/records"
)

// handleLocal routes one store change toward the document.
func (b *Bridge) handleLocal(ev records.ChangeEvent) {
	diff := ev.Changes.Filter(func(r records.Record) bool { return !b.schema.IsEphemeral(r) })
	if diff.IsEmpty() {
		return
	}
	if ev.Source == records.SourceRemote {
		return
	}
	diff = b.restorePinned(diff)
	if diff.IsEmpty() {
		return
	}
	if diff.IsPositionOnly() {
		// keep edits to a record held by the eraser in order behind it
		if b.eraserQueue != nil && overlaps(*b.eraserQueue, diff) {
			b.queueEraser(diff)
			return
		}
		b.queuePosition(diff)
		return
	}
	if b.eraser != eraserIdle {
		b.queueEraser(diff)
		return
	}
	b.flushPosition()
	b.apply(diff)
}

// restorePinned puts back the document position of pinned records, and
// drops updates that become no-ops as a result.
func (b *Bridge) restorePinned(diff records.Diff) records.Diff {
	for id, u := range diff.Updated {
		stored, ok := b.docRecord(id)
		if !ok || !isPinned(stored) {
			continue
		}
		after := u.After
		for _, f := range []string{"x", "y"} {
			if v, ok := stored.Get(f); ok {
				after = after.With(f, v)
			}
		}
		if after.Equal(stored) {
			delete(diff.Updated, id)
			continue
		}
		diff.Updated[id] = records.Update{Before: u.Before, After: after}
	}
	return diff
}

func isPinned(r records.Record) bool {
	pinned, _ := r.Meta()["pinned"].(bool)
	return pinned
}

func (b *Bridge) docRecord(id records.ID) (records.Record, bool) {
	v, ok := b.handle.Get(crdt.StoreKey, string(id))
	if !ok {
		return records.Record{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return records.Record{}, false
	}
	r, err := records.FromValue(m)
	if err != nil {
		return records.Record{}, false
	}
	return r, true
}

func (b *Bridge) queuePosition(diff records.Diff) {
	if b.positionQueue == nil {
		q := diff.Clone()
		b.positionQueue = &q
	} else {
		q := b.positionQueue.Squash(diff)
		b.positionQueue = &q
	}
	if b.positionTimer == nil {
		b.positionTimer = time.NewTimer(b.settings.PositionThrottle)
	}
}

// overlaps reports whether next touches any record q holds.
func overlaps(q, next records.Diff) bool {
	held := func(id records.ID) bool {
		if _, ok := q.Added[id]; ok {
			return true
		}
		if _, ok := q.Updated[id]; ok {
			return true
		}
		_, ok := q.Removed[id]
		return ok
	}
	for id := range next.Added {
		if held(id) {
			return true
		}
	}
	for id := range next.Updated {
		if held(id) {
			return true
		}
	}
	for id := range next.Removed {
		if held(id) {
			return true
		}
	}
	return false
}

func (b *Bridge) flushPosition() {
	stopTimer(&b.positionTimer)
	if b.positionQueue == nil {
		return
	}
	q := *b.positionQueue
	b.positionQueue = nil
	if !q.IsEmpty() {
		b.apply(q)
	}
}

// apply writes diff into the document as one transaction and tells the
// outbound side about it.
func (b *Bridge) apply(diff records.Diff) {
	err := b.handle.Change(func(tx *crdt.Tx) error {
		b.pendingLocal.Add(1)
		return writeDiff(tx, diff)
	})
	b.localTx.Add(1)
	if err != nil {
		glog.Errorf("[bridge]%s local transaction failed: %v", b.handle.DocumentID(), err)
		return
	}
	if glog.V(2) {
		glog.Infof("[bridge]%s applied local diff (%d records)", b.handle.DocumentID(), diff.Len())
	}
	if b.outbound != nil {
		b.outbound.NotifyLocal(diff.Lists())
	}
}

// initialLoad copies the document into the store, then pushes document
// records the store has and the document lacks.
func (b *Bridge) initialLoad() {
	snap := b.handle.Doc()
	var loaded []records.Record
	for _, key := range sortedKeys(snap.Store) {
		r, err := b.recordFromDoc(snap.Store[key])
		if err != nil {
			glog.Warningf("[bridge]%s skipping document record %s: %v", b.handle.DocumentID(), key, err)
			continue
		}
		if b.schema.IsEphemeral(r) {
			continue
		}
		loaded = append(loaded, r)
	}
	if len(loaded) > 0 {
		b.store.MergeRemoteChanges(func(tx *records.Tx) { tx.Put(loaded...) })
		b.remoteTx.Add(1)
	}

	seed := records.NewDiff()
	for _, r := range b.store.AllRecords() {
		if b.schema.IsEphemeral(r) {
			continue
		}
		if _, ok := snap.Store[string(r.ID)]; !ok {
			seed.Added[r.ID] = r
		}
	}
	if !seed.IsEmpty() {
		glog.Infof("[bridge]%s pushing %d store-only records", b.handle.DocumentID(), seed.Len())
		b.apply(seed)
	}
}

func (b *Bridge) recordFromDoc(v any) (records.Record, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return records.Record{}, &records.FieldError{Field: "id", Err: errNotObject}
	}
	r, err := records.FromValue(m)
	if err != nil {
		return records.Record{}, err
	}
	r, issues, err := b.schema.Sanitize(r)
	if err != nil {
		return records.Record{}, err
	}
	if len(issues) > 0 && glog.V(1) {
		glog.Infof("[bridge]%s repaired %s: %v", b.handle.DocumentID(), r.ID, issues)
	}
	return r, nil
}
