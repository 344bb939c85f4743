package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/alimasry/go-canvas-sync/records"
)

// StoreKey is the top-level key holding records, keyed by record id.
const StoreKey = "store"

// SchemaKey is the top-level key holding the schema descriptor.
const SchemaKey = "schema"

type nodeKind uint8

const (
	kindUnset nodeKind = iota
	kindScalar
	kindObject
	kindArray
	kindDeleted
)

type register struct {
	kind    nodeKind
	value   any
	time    Timestamp
	length  int
	lenTime Timestamp
}

type node struct {
	register
	children map[string]*node
}

func newContainer() *node {
	return &node{register: register{kind: kindObject}, children: map[string]*node{}}
}

func (n *node) isContainer() bool {
	return n.kind == kindObject || n.kind == kindArray
}

// size is the visible length of an array. A length written before the array
// itself was (re)created does not count.
func (n *node) size() int {
	if n.lenTime.Less(n.time) {
		return 0
	}
	return n.length
}

func visible(parent *node, key string, child *node) bool {
	if child == nil || child.kind == kindUnset || child.kind == kindDeleted {
		return false
	}
	if child.time.Less(parent.time) {
		return false
	}
	if parent.kind == kindArray {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= parent.size() {
			return false
		}
	}
	return true
}

func materialize(n *node) any {
	switch n.kind {
	case kindScalar:
		return records.Normalize(n.value)
	case kindObject:
		out := make(map[string]any, len(n.children))
		for k, c := range n.children {
			if visible(n, k, c) {
				out[k] = materialize(c)
			}
		}
		return out
	case kindArray:
		out := make([]any, n.size())
		for i := range out {
			k := strconv.Itoa(i)
			if c := n.children[k]; visible(n, k, c) {
				out[i] = materialize(c)
			}
		}
		return out
	default:
		return nil
	}
}

// document is the replica state. It is not safe for concurrent use; Handle
// serializes access.
type document struct {
	actor   string
	clock   uint64
	seq     uint64
	root    *node
	changes []Change
	seen    map[string]map[uint64]bool
	version VersionVector
}

func newDocument(actor string) *document {
	root := newContainer()
	root.children[StoreKey] = newContainer()
	return &document{
		actor:   actor,
		root:    root,
		seen:    map[string]map[uint64]bool{},
		version: VersionVector{},
	}
}

// implicit paths are the always-present containers that ops may not target.
func implicit(path []string) bool {
	return len(path) == 0 || (len(path) == 1 && path[0] == StoreKey)
}

func (d *document) tick() Timestamp {
	d.clock++
	return Timestamp{Counter: d.clock, Actor: d.actor}
}

func (d *document) ensure(path []string) *node {
	n := d.root
	for _, seg := range path {
		if n.children == nil {
			n.children = map[string]*node{}
		}
		c, ok := n.children[seg]
		if !ok {
			c = &node{}
			n.children[seg] = c
		}
		n = c
	}
	return n
}

func (d *document) lookup(path []string) (*node, bool) {
	n := d.root
	for _, seg := range path {
		if !n.isContainer() {
			return nil, false
		}
		c := n.children[seg]
		if !visible(n, seg, c) {
			return nil, false
		}
		n = c
	}
	return n, true
}

func (d *document) get(path []string) (any, bool) {
	n, ok := d.lookup(path)
	if !ok {
		return nil, false
	}
	return materialize(n), true
}

// apply writes op into its register if it wins, and reports whether it did.
func (d *document) apply(op Op) bool {
	if implicit(op.Path) {
		return false
	}
	if op.Time.Counter > d.clock {
		d.clock = op.Time.Counter
	}
	n := d.ensure(op.Path)
	switch op.Action {
	case ActionResize:
		if !n.lenTime.Less(op.Time) {
			return false
		}
		n.length, n.lenTime = op.Length, op.Time
		return true
	case ActionPut, ActionDelete:
		if n.kind != kindUnset && !n.time.Less(op.Time) {
			return false
		}
		n.time, n.value = op.Time, nil
		switch {
		case op.Action == ActionDelete:
			n.kind = kindDeleted
		case op.Container == ContainerObject:
			n.kind = kindObject
		case op.Container == ContainerArray:
			n.kind = kindArray
		default:
			n.kind, n.value = kindScalar, records.Normalize(op.Value)
		}
		if n.isContainer() && n.children == nil {
			n.children = map[string]*node{}
		}
		return true
	}
	return false
}

func (d *document) markSeen(actor string, seq uint64) {
	s, ok := d.seen[actor]
	if !ok {
		s = map[uint64]bool{}
		d.seen[actor] = s
	}
	s[seq] = true
	for s[d.version[actor]+1] {
		d.version[actor]++
	}
}

func (d *document) commit(ops []Op, now int64) {
	if len(ops) == 0 {
		return
	}
	d.seq++
	d.changes = append(d.changes, Change{Actor: d.actor, Seq: d.seq, Time: now, Ops: ops})
	d.markSeen(d.actor, d.seq)
}

// ingest merges a change from another replica. Changes already seen are
// ignored, so delivery may repeat and arrive in any order.
func (d *document) ingest(ch Change) ([]Patch, bool) {
	if ch.Actor == "" || ch.Seq == 0 || d.seen[ch.Actor][ch.Seq] {
		return nil, false
	}
	d.markSeen(ch.Actor, ch.Seq)
	d.changes = append(d.changes, ch)
	if ch.Actor == d.actor && ch.Seq > d.seq {
		d.seq = ch.Seq
	}
	var patches []Patch
	for _, op := range ch.Ops {
		if d.apply(op) {
			patches = append(patches, patchOf(op))
		}
	}
	return patches, true
}

func (d *document) changesSince(since VersionVector) []Change {
	var out []Change
	for _, ch := range d.changes {
		if ch.Seq > since[ch.Actor] {
			out = append(out, ch)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Actor != out[j].Actor {
			return out[i].Actor < out[j].Actor
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Snapshot is the materialized document.
type Snapshot struct {
	Store  map[string]any `json:"store"`
	Schema map[string]any `json:"schema,omitempty"`
}

func (d *document) snapshot() Snapshot {
	all, _ := materialize(d.root).(map[string]any)
	snap := Snapshot{Store: map[string]any{}}
	if s, ok := all[StoreKey].(map[string]any); ok {
		snap.Store = s
	}
	if s, ok := all[SchemaKey].(map[string]any); ok {
		snap.Schema = s
	}
	return snap
}

type savedDocument struct {
	Version int      `json:"version"`
	Changes []Change `json:"changes"`
}

const saveFormatVersion = 1

func (d *document) save() ([]byte, error) {
	return json.Marshal(savedDocument{Version: saveFormatVersion, Changes: d.changes})
}

func (d *document) load(data []byte) error {
	var saved savedDocument
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decode saved document: %w", err)
	}
	if saved.Version != saveFormatVersion {
		return fmt.Errorf("unsupported saved document version %d", saved.Version)
	}
	for _, ch := range saved.Changes {
		d.ingest(ch)
	}
	return nil
}
