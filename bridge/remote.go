package bridge

import (
	"errors"
	"sort"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/records"
)

var errNotObject = errors.New("not an object")

// touch is what a patch batch changed in one record.
type touch struct {
	whole  bool
	fields map[string]bool
}

// applyRemote merges the records touched by patches into the store. Values
// are read from the document as it is now, not from the patches, so a
// later local write is never overwritten by an older patch value.
func (b *Bridge) applyRemote(patches []crdt.Patch) {
	touched := map[records.ID]*touch{}
	resync := false
	for _, p := range patches {
		if len(p.Path) == 0 || p.Path[0] != crdt.StoreKey {
			continue
		}
		if len(p.Path) == 1 {
			resync = true
			continue
		}
		id := records.ID(p.Path[1])
		t, ok := touched[id]
		if !ok {
			t = &touch{fields: map[string]bool{}}
			touched[id] = t
		}
		if len(p.Path) == 2 {
			t.whole = true
		} else {
			t.fields[p.Path[2]] = true
		}
	}
	if resync {
		touched = b.everything()
	}
	if len(touched) > 0 {
		puts, removes, err := b.buildBatch(touched)
		if err != nil {
			glog.Warningf("[bridge]%s remote batch failed (%v), retrying record by record", b.handle.DocumentID(), err)
			puts, removes = b.buildEach(touched)
		}
		if len(puts) > 0 || len(removes) > 0 {
			b.store.MergeRemoteChanges(func(tx *records.Tx) {
				tx.Put(puts...)
				tx.Remove(removes...)
			})
			b.remoteTx.Add(1)
		}
	}
	b.SetStatus(StateSynced, nil)
}

// everything marks every record in the document or the store as wholly
// touched.
func (b *Bridge) everything() map[records.ID]*touch {
	out := map[records.ID]*touch{}
	for key := range b.handle.Doc().Store {
		out[records.ID(key)] = &touch{whole: true}
	}
	for _, r := range b.store.AllRecords() {
		if !b.schema.IsEphemeral(r) {
			out[r.ID] = &touch{whole: true}
		}
	}
	return out
}

func (b *Bridge) buildBatch(touched map[records.ID]*touch) ([]records.Record, []records.ID, error) {
	var puts []records.Record
	var removes []records.ID
	for _, id := range records.SortedIDs(touched) {
		r, gone, err := b.buildRecord(id, touched[id])
		if err != nil {
			return nil, nil, err
		}
		if gone {
			removes = append(removes, id)
		} else if r.ID != "" {
			puts = append(puts, r)
		}
	}
	return puts, removes, nil
}

func (b *Bridge) buildEach(touched map[records.ID]*touch) ([]records.Record, []records.ID) {
	var puts []records.Record
	var removes []records.ID
	for _, id := range records.SortedIDs(touched) {
		r, gone, err := b.buildRecord(id, touched[id])
		if err != nil {
			field := "?"
			var fe *records.FieldError
			if errors.As(err, &fe) {
				field = fe.Field
			}
			glog.Errorf("[bridge]%s skipping remote record %s (field %s): %v", b.handle.DocumentID(), id, field, err)
			continue
		}
		if gone {
			removes = append(removes, id)
		} else if r.ID != "" {
			puts = append(puts, r)
		}
	}
	return puts, removes
}

// buildRecord computes the store value for one touched record. gone is true
// when the record no longer exists in the document. A zero record with no
// error means there is nothing to write.
func (b *Bridge) buildRecord(id records.ID, t *touch) (rec records.Record, gone bool, err error) {
	v, ok := b.handle.Get(crdt.StoreKey, string(id))
	if !ok {
		return records.Record{}, true, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return records.Record{}, false, &records.FieldError{ID: id, Field: "id", Err: errNotObject}
	}
	docRec, err := records.FromValue(m)
	if err != nil {
		return records.Record{}, false, err
	}
	if docRec.ID != id {
		return records.Record{}, false, &records.FieldError{ID: id, Field: "id", Err: errors.New("id does not match its key")}
	}

	next := docRec
	if cur, exists := b.store.Get(id); exists && !t.whole {
		next = cur
		for _, f := range sortedFields(t.fields) {
			switch f {
			case "id":
			case "typeName":
				next.TypeName = docRec.TypeName
			default:
				if val, ok := docRec.Fields[f]; ok {
					next = next.With(f, val)
				} else {
					next = next.Without(f)
				}
			}
		}
	}

	next, issues, err := b.schema.Sanitize(next)
	if err != nil {
		return records.Record{}, false, err
	}
	if len(issues) > 0 && glog.V(1) {
		glog.Infof("[bridge]%s repaired remote %s: %v", b.handle.DocumentID(), id, issues)
	}
	if b.schema.IsEphemeral(next) {
		return records.Record{}, false, nil
	}
	return next, false, nil
}

func sortedFields(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
