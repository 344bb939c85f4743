package crdt

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/alimasry/go-canvas-sync/records"
)

var (
	ErrImplicitPath = errors.New("path is a fixed container")
	ErrNoParent     = errors.New("parent does not exist")
	ErrNotArray     = errors.New("not an array")
)

type undoEntry struct {
	n   *node
	reg register
}

// Tx is a local transaction. Writes are visible to Get immediately and are
// undone if the transaction's mutator returns an error.
type Tx struct {
	doc     *document
	ops     []Op
	patches []Patch
	undo    []undoEntry
}

// Get reads the value at path.
func (tx *Tx) Get(path ...string) (any, bool) {
	return tx.doc.get(path)
}

// Put replaces the value at path. The parent must exist.
func (tx *Tx) Put(path []string, value any) error {
	if err := tx.checkParent(path); err != nil {
		return err
	}
	tx.put(clonePath(path), records.Normalize(value))
	return nil
}

// Delete removes the value at path. Deleting a missing value is a no-op.
func (tx *Tx) Delete(path []string) error {
	if implicit(path) {
		return fmt.Errorf("delete %s: %w", joinPath(path), ErrImplicitPath)
	}
	if _, ok := tx.doc.lookup(path); !ok {
		return nil
	}
	tx.write(Op{Action: ActionDelete, Path: clonePath(path)})
	return nil
}

// Resize sets the length of the array at path. New slots read as null.
func (tx *Tx) Resize(path []string, length int) error {
	old, err := tx.arrayLen(path)
	if err != nil {
		return err
	}
	if length == old {
		return nil
	}
	tx.resize(path, length)
	for i := old; i < length; i++ {
		tx.write(Op{Action: ActionPut, Path: childPath(path, strconv.Itoa(i))})
	}
	return nil
}

// Merge writes value at path touching as little as possible: objects are
// merged key by key, arrays position by position, and equal values are
// left alone.
func (tx *Tx) Merge(path []string, value any) error {
	if err := tx.checkParent(path); err != nil {
		return err
	}
	tx.merge(clonePath(path), records.Normalize(value))
	return nil
}

func (tx *Tx) merge(path []string, value any) {
	cur, ok := tx.doc.get(path)
	if !ok {
		tx.put(path, value)
		return
	}
	switch nv := value.(type) {
	case map[string]any:
		cm, isMap := cur.(map[string]any)
		if !isMap {
			tx.put(path, value)
			return
		}
		for _, k := range sortedKeys(cm) {
			if _, keep := nv[k]; !keep {
				tx.write(Op{Action: ActionDelete, Path: childPath(path, k)})
			}
		}
		for _, k := range sortedKeys(nv) {
			if cv, ok := cm[k]; ok && reflect.DeepEqual(cv, nv[k]) {
				continue
			}
			tx.merge(childPath(path, k), nv[k])
		}
	case []any:
		ca, isArr := cur.([]any)
		if !isArr {
			tx.put(path, value)
			return
		}
		if len(ca) != len(nv) {
			tx.resize(path, len(nv))
		}
		for i, v := range nv {
			if i < len(ca) && reflect.DeepEqual(ca[i], v) {
				continue
			}
			if i < len(ca) {
				tx.merge(childPath(path, strconv.Itoa(i)), v)
			} else {
				tx.put(childPath(path, strconv.Itoa(i)), v)
			}
		}
	default:
		if !reflect.DeepEqual(cur, value) {
			tx.put(path, value)
		}
	}
}

func (tx *Tx) put(path []string, value any) {
	switch t := value.(type) {
	case map[string]any:
		tx.write(Op{Action: ActionPut, Path: path, Container: ContainerObject})
		for _, k := range sortedKeys(t) {
			tx.put(childPath(path, k), t[k])
		}
	case []any:
		tx.write(Op{Action: ActionPut, Path: path, Container: ContainerArray})
		tx.resize(path, len(t))
		for i, v := range t {
			tx.put(childPath(path, strconv.Itoa(i)), v)
		}
	default:
		tx.write(Op{Action: ActionPut, Path: path, Value: t})
	}
}

func (tx *Tx) resize(path []string, length int) {
	tx.write(Op{Action: ActionResize, Path: clonePath(path), Length: length})
}

func (tx *Tx) write(op Op) {
	op.Time = tx.doc.tick()
	n := tx.doc.ensure(op.Path)
	tx.undo = append(tx.undo, undoEntry{n: n, reg: n.register})
	if tx.doc.apply(op) {
		tx.ops = append(tx.ops, op)
		tx.patches = append(tx.patches, patchOf(op))
	}
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i].n.register = tx.undo[i].reg
	}
	tx.ops, tx.patches, tx.undo = nil, nil, nil
}

func (tx *Tx) arrayLen(path []string) (int, error) {
	n, ok := tx.doc.lookup(path)
	if !ok || n.kind != kindArray {
		return 0, fmt.Errorf("resize %s: %w", joinPath(path), ErrNotArray)
	}
	return n.size(), nil
}

func (tx *Tx) checkParent(path []string) error {
	if implicit(path) {
		return fmt.Errorf("write %s: %w", joinPath(path), ErrImplicitPath)
	}
	parent, ok := tx.doc.lookup(path[:len(path)-1])
	if !ok || !parent.isContainer() {
		return fmt.Errorf("write %s: %w", joinPath(path), ErrNoParent)
	}
	if parent.kind == kindArray {
		i, err := strconv.Atoi(path[len(path)-1])
		if err != nil || i < 0 || i >= parent.size() {
			return fmt.Errorf("write %s: index out of range: %w", joinPath(path), ErrNoParent)
		}
	}
	return nil
}

func clonePath(path []string) []string {
	return append([]string(nil), path...)
}

func childPath(path []string, key string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = key
	return out
}

func joinPath(path []string) string {
	return "/" + strings.Join(path, "/")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
