package bridge

import (
	"fmt"

	"github.com/alimasry/go-canvas-sync/crdt"
	"github.com/alimasry/go-canvas-sync/records"
)

func recordPath(id records.ID) []string {
	return []string{crdt.StoreKey, string(id)}
}

// writeDiff translates a store diff into document writes inside tx.
func writeDiff(tx *crdt.Tx, diff records.Diff) error {
	for _, id := range records.SortedIDs(diff.Added) {
		if err := tx.Put(recordPath(id), diff.Added[id].Value()); err != nil {
			return fmt.Errorf("add %s: %w", id, err)
		}
	}
	for _, id := range records.SortedIDs(diff.Updated) {
		if err := writeUpdate(tx, diff.Updated[id]); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
	}
	for _, id := range records.SortedIDs(diff.Removed) {
		if err := tx.Delete(recordPath(id)); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	return nil
}

// writeUpdate writes the fields the local edit changed, from u.Before to
// u.After. Fields the edit left alone keep whatever the document holds, so
// a peer's concurrent change to them survives a delayed flush. Records
// missing from the document are written whole.
func writeUpdate(tx *crdt.Tx, u records.Update) error {
	path := recordPath(u.After.ID)
	if _, ok := tx.Get(path...); !ok {
		return tx.Put(path, u.After.Value())
	}
	patches, err := records.StructuralDiff(u.Before, u.After)
	if err != nil {
		return err
	}
	after := u.After.Value()
	for _, p := range patches {
		if p.Op == records.OpRemove {
			if err := tx.Delete(subPath(path, p.Path)); err != nil {
				return err
			}
			continue
		}
		// a peer may have removed or replaced an enclosing object
		at := writablePrefix(tx, path, p.Path)
		v, ok := valueAt(after, p.Path[:at])
		if !ok {
			continue
		}
		if err := tx.Merge(subPath(path, p.Path[:at]), v); err != nil {
			return err
		}
	}
	return nil
}

// writablePrefix returns how much of field can be written below record:
// the full length when every enclosing object exists in the document,
// otherwise the length up to the first missing or non-object ancestor.
func writablePrefix(tx *crdt.Tx, record, field []string) int {
	for i := 1; i < len(field); i++ {
		v, ok := tx.Get(subPath(record, field[:i])...)
		if !ok {
			return i
		}
		if _, isMap := v.(map[string]any); !isMap {
			return i
		}
	}
	return len(field)
}

func valueAt(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func subPath(base, rest []string) []string {
	out := make([]string, 0, len(base)+len(rest))
	return append(append(out, base...), rest...)
}
