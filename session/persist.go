package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/bridge"
	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/records"
)

func (s *Session) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// persistLoop debounces local saves and relay pushes. Each document change
// restarts both timers.
func (s *Session) persistLoop() {
	defer s.wg.Done()
	var saveTimer, pushTimer *time.Timer
	defer func() {
		stopTimer(saveTimer)
		stopTimer(pushTimer)
	}()

	for {
		select {
		case <-s.dirty:
			if s.cfg.Cache != nil {
				saveTimer = restartTimer(saveTimer, s.cfg.SaveDebounce)
			}
			if s.rooms != nil {
				pushTimer = restartTimer(pushTimer, s.cfg.PersistDebounce)
			}
		case <-timerC(saveTimer):
			saveTimer = nil
			s.saveLocal()
		case <-timerC(pushTimer):
			pushTimer = nil
			s.push(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) saveLocal() {
	if s.cfg.Cache == nil {
		return
	}
	data, err := s.handle.Save()
	if err == nil {
		err = s.cfg.Cache.SaveDocument(s.documentID, data)
	}
	if err != nil {
		glog.Errorf("[session]%s local save failed: %v", s.cfg.RoomID, err)
		s.bridge.SetStatus(bridge.StateNotSynced, fmt.Errorf("save document: %w", err))
		return
	}
	glog.V(1).Infof("[session]%s saved document %s (%d bytes)", s.cfg.RoomID, s.documentID, len(data))
}

// push sends the full document to the relay. A failed push is retried on
// the next change or reconnect.
func (s *Session) push(ctx context.Context) {
	if s.rooms == nil {
		return
	}
	data, err := json.Marshal(s.handle.Doc())
	if err != nil {
		glog.Errorf("[session]%s encode snapshot: %v", s.cfg.RoomID, err)
		return
	}
	if err := s.rooms.Put(ctx, s.cfg.RoomID, data); err != nil {
		s.pushPending.Store(true)
		glog.Infof("[session]%s snapshot push failed: %v", s.cfg.RoomID, err)
		return
	}
	s.pushPending.Store(false)
	glog.V(1).Infof("[session]%s pushed snapshot (%d bytes)", s.cfg.RoomID, len(data))
}

// mergeSnapshot adds the relay's records that the document lacks, in one
// transaction. Records the document already has are left as they are, so
// edits made offline are never replaced by an older relay copy.
func mergeSnapshot(h *crdt.Handle, schema *records.Schema, data []byte) (int, error) {
	var snap crdt.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	ids := make([]string, 0, len(snap.Store))
	for id := range snap.Store {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	added := 0
	err := h.Change(func(tx *crdt.Tx) error {
		for _, id := range ids {
			if _, ok := tx.Get(crdt.StoreKey, id); ok {
				continue
			}
			v, ok := snap.Store[id].(map[string]any)
			if !ok {
				glog.Infof("[session]snapshot record %s is not an object, skipping", id)
				continue
			}
			r, err := records.FromValue(v)
			if err != nil {
				glog.Infof("[session]snapshot record %s: %v, skipping", id, err)
				continue
			}
			if schema.IsEphemeral(r) {
				continue
			}
			if err := tx.Put([]string{crdt.StoreKey, id}, v); err != nil {
				return err
			}
			added++
		}
		if _, ok := tx.Get(crdt.SchemaKey); !ok && len(snap.Schema) > 0 {
			return tx.Put([]string{crdt.SchemaKey}, snap.Schema)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func restartTimer(t *time.Timer, d time.Duration) *time.Timer {
	stopTimer(t)
	return time.NewTimer(d)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
