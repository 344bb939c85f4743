package records

import "sort"

// Source tags where a store change came from.
type Source string

const (
	SourceUser   Source = "user"
	SourceRemote Source = "remote"
)

// Scope classifies records by how far they are shared.
type Scope string

const (
	ScopeDocument Scope = "document"
	ScopeSession  Scope = "session"
	ScopePresence Scope = "presence"
	ScopeAll      Scope = "all"
)

// Update pairs the old and new value of a changed record.
type Update struct {
	Before Record
	After  Record
}

// Diff is the set of records added, updated and removed by one change.
type Diff struct {
	Added   map[ID]Record
	Updated map[ID]Update
	Removed map[ID]Record
}

func NewDiff() Diff {
	return Diff{
		Added:   map[ID]Record{},
		Updated: map[ID]Update{},
		Removed: map[ID]Record{},
	}
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

func (d Diff) Len() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Clone copies the maps of the diff. Records are shared; they are never
// mutated in place.
func (d Diff) Clone() Diff {
	out := NewDiff()
	for id, r := range d.Added {
		out.Added[id] = r
	}
	for id, u := range d.Updated {
		out.Updated[id] = u
	}
	for id, r := range d.Removed {
		out.Removed[id] = r
	}
	return out
}

// Squash folds next into d as if both had happened in one change.
func (d Diff) Squash(next Diff) Diff {
	out := d.Clone()
	for id, r := range next.Added {
		if prev, ok := out.Removed[id]; ok {
			delete(out.Removed, id)
			out.Updated[id] = Update{Before: prev, After: r}
			continue
		}
		out.Added[id] = r
	}
	for id, u := range next.Updated {
		if _, ok := out.Added[id]; ok {
			out.Added[id] = u.After
			continue
		}
		if prev, ok := out.Updated[id]; ok {
			out.Updated[id] = Update{Before: prev.Before, After: u.After}
			continue
		}
		out.Updated[id] = u
	}
	for id, r := range next.Removed {
		if _, ok := out.Added[id]; ok {
			delete(out.Added, id)
			continue
		}
		if prev, ok := out.Updated[id]; ok {
			delete(out.Updated, id)
			out.Removed[id] = prev.Before
			continue
		}
		out.Removed[id] = r
	}
	// an update that squashed back to its original value is no change at all
	for id, u := range out.Updated {
		if u.Before.Equal(u.After) {
			delete(out.Updated, id)
		}
	}
	return out
}

// Filter keeps the entries whose record satisfies keep. Updates are judged
// by their After value.
func (d Diff) Filter(keep func(Record) bool) Diff {
	out := NewDiff()
	for id, r := range d.Added {
		if keep(r) {
			out.Added[id] = r
		}
	}
	for id, u := range d.Updated {
		if keep(u.After) {
			out.Updated[id] = u
		}
	}
	for id, r := range d.Removed {
		if keep(r) {
			out.Removed[id] = r
		}
	}
	return out
}

// IsPositionOnly reports whether the diff holds updates only, each of which
// touches nothing but x and y.
func (d Diff) IsPositionOnly() bool {
	if len(d.Added) != 0 || len(d.Removed) != 0 || len(d.Updated) == 0 {
		return false
	}
	for _, u := range d.Updated {
		if !IsPositionOnly(u.Before, u.After) {
			return false
		}
	}
	return true
}

// Lists returns the added records, the new values of updated records and the
// removed records, each sorted by id.
func (d Diff) Lists() (added, updated, removed []Record) {
	for _, id := range SortedIDs(d.Added) {
		added = append(added, d.Added[id])
	}
	for _, id := range SortedIDs(d.Updated) {
		updated = append(updated, d.Updated[id].After)
	}
	for _, id := range SortedIDs(d.Removed) {
		removed = append(removed, d.Removed[id])
	}
	return added, updated, removed
}

// SortedIDs returns the keys of m in ascending order.
func SortedIDs[V any](m map[ID]V) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
