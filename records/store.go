package records

import (
	"sort"
	"sync"
)

// ChangeEvent is one committed diff and where it came from.
type ChangeEvent struct {
	Changes Diff
	Source  Source
}

// ListenOptions narrows what a listener receives. Zero values mean
// everything.
type ListenOptions struct {
	Scope  Scope
	Source Source
}

type listener struct {
	fn   func(ChangeEvent)
	opts ListenOptions
}

// Store is an in-memory keyed record store with a change feed.
//
// Listeners run after the store lock is released but are serialized, so they
// observe commits in order. A listener may read the store; it must not write
// to it synchronously.
type Store struct {
	schema *Schema

	emitMu sync.Mutex
	mu     sync.RWMutex
	recs   map[ID]Record

	listeners map[int]listener
	nextID    int
}

func NewStore(schema *Schema) *Store {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Store{
		schema:    schema,
		recs:      map[ID]Record{},
		listeners: map[int]listener{},
	}
}

func (s *Store) Schema() *Schema { return s.schema }

func (s *Store) Get(id ID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

func (s *Store) Has(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recs[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// AllRecords returns every record sorted by id.
func (s *Store) AllRecords() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.recs))
	for _, id := range SortedIDs(s.recs) {
		out = append(out, s.recs[id].Clone())
	}
	return out
}

// Put writes records as one user change.
func (s *Store) Put(records ...Record) {
	s.Transact(func(tx *Tx) { tx.Put(records...) })
}

// Remove deletes records as one user change.
func (s *Store) Remove(ids ...ID) {
	s.Transact(func(tx *Tx) { tx.Remove(ids...) })
}

// Transact runs fn and commits its writes as one user change.
func (s *Store) Transact(fn func(tx *Tx)) {
	s.commit(SourceUser, fn)
}

// MergeRemoteChanges runs fn and commits its writes as one change tagged
// remote.
func (s *Store) MergeRemoteChanges(fn func(tx *Tx)) {
	s.commit(SourceRemote, fn)
}

// Listen subscribes fn to committed changes and returns the unsubscribe
// func.
func (s *Store) Listen(fn func(ChangeEvent), opts ListenOptions) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{fn: fn, opts: opts}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) commit(source Source, fn func(tx *Tx)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	tx := &Tx{store: s, diff: NewDiff()}
	fn(tx)
	for id, r := range tx.diff.Added {
		s.recs[id] = r
	}
	for id, u := range tx.diff.Updated {
		s.recs[id] = u.After
	}
	for id := range tx.diff.Removed {
		delete(s.recs, id)
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	if tx.diff.IsEmpty() {
		return
	}
	for _, l := range ls {
		if l.opts.Source != "" && l.opts.Source != source {
			continue
		}
		changes := tx.diff
		if l.opts.Scope != "" && l.opts.Scope != ScopeAll {
			scope := l.opts.Scope
			changes = changes.Filter(func(r Record) bool { return s.schema.ScopeOf(r) == scope })
			if changes.IsEmpty() {
				continue
			}
		} else {
			changes = changes.Clone()
		}
		l.fn(ChangeEvent{Changes: changes, Source: source})
	}
}

// Tx stages writes for one commit. It is only valid inside the func passed
// to Transact or MergeRemoteChanges.
type Tx struct {
	store *Store
	diff  Diff
}

// Get reads a record as staged so far in the transaction.
func (tx *Tx) Get(id ID) (Record, bool) {
	if r, ok := tx.diff.Added[id]; ok {
		return r.Clone(), true
	}
	if u, ok := tx.diff.Updated[id]; ok {
		return u.After.Clone(), true
	}
	if _, ok := tx.diff.Removed[id]; ok {
		return Record{}, false
	}
	r, ok := tx.store.recs[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Put stages records. Writing a value equal to the current one is a no-op.
func (tx *Tx) Put(records ...Record) {
	for _, r := range records {
		r = r.Clone()
		prev, ok := tx.Get(r.ID)
		step := NewDiff()
		switch {
		case !ok:
			step.Added[r.ID] = r
		case prev.Equal(r):
			continue
		default:
			step.Updated[r.ID] = Update{Before: prev, After: r}
		}
		tx.diff = tx.diff.Squash(step)
	}
}

// Remove stages deletions. Unknown ids are ignored.
func (tx *Tx) Remove(ids ...ID) {
	for _, id := range ids {
		prev, ok := tx.Get(id)
		if !ok {
			continue
		}
		step := NewDiff()
		step.Removed[id] = prev
		tx.diff = tx.diff.Squash(step)
	}
}
