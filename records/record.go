// Package records is the local, synchronous record store used by the editing
// surface, along with the record kinds it understands and the diff types its
// change feed produces.
package records

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ID identifies a record. The prefix before the first ':' names the
// collection, e.g. "shape:abc123".
type ID string

// Collection returns the collection encoded in the id, or "" if none.
func (id ID) Collection() string {
	s := string(id)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

// NewID joins a collection and key into a record id.
func NewID(collection, key string) ID {
	return ID(collection + ":" + key)
}

// Record is one typed entry of the store. Records are immutable by
// replacement: With and Without return new values and leave the receiver
// untouched.
type Record struct {
	ID       ID
	TypeName string
	Fields   map[string]any
}

// New builds a record, normalizing field values to their JSON forms.
func New(id ID, typeName string, fields map[string]any) Record {
	out, _ := Normalize(fields).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return Record{ID: id, TypeName: typeName, Fields: out}
}

// FieldError reports a value that could not be turned into a record.
type FieldError struct {
	ID    ID
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("record %s field %q: %v", e.ID, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// FromValue converts the flat JSON form {id, typeName, ...fields} back into
// a record.
func FromValue(v map[string]any) (Record, error) {
	rawID, ok := v["id"]
	if !ok {
		return Record{}, &FieldError{Field: "id", Err: fmt.Errorf("missing")}
	}
	id, ok := rawID.(string)
	if !ok || id == "" {
		return Record{}, &FieldError{Field: "id", Err: fmt.Errorf("expected non-empty string, got %T", rawID)}
	}
	var typeName string
	if raw, ok := v["typeName"]; ok && raw != nil {
		typeName, ok = raw.(string)
		if !ok {
			return Record{}, &FieldError{ID: ID(id), Field: "typeName", Err: fmt.Errorf("expected string, got %T", raw)}
		}
	}
	fields := make(map[string]any, len(v))
	for k, val := range v {
		if k == "id" || k == "typeName" {
			continue
		}
		fields[k] = Normalize(val)
	}
	return Record{ID: ID(id), TypeName: typeName, Fields: fields}, nil
}

// Value returns the flat JSON form of the record. The result shares nothing
// with the receiver.
func (r Record) Value() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = Normalize(v)
	}
	out["id"] = string(r.ID)
	out["typeName"] = r.TypeName
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	rec, err := FromValue(v)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// Get returns a top-level field.
func (r Record) Get(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Number returns a numeric top-level field.
func (r Record) Number(field string) (float64, bool) {
	v, ok := r.Fields[field].(float64)
	return v, ok
}

// Meta returns the record's meta object, or nil.
func (r Record) Meta() map[string]any {
	m, _ := r.Fields["meta"].(map[string]any)
	return m
}

// Props returns the record's props object, or nil.
func (r Record) Props() map[string]any {
	m, _ := r.Fields["props"].(map[string]any)
	return m
}

// With returns a copy of the record with field set to value.
func (r Record) With(field string, value any) Record {
	out := r.Clone()
	out.Fields[field] = Normalize(value)
	return out
}

// Without returns a copy of the record with field removed.
func (r Record) Without(field string) Record {
	out := r.Clone()
	delete(out.Fields, field)
	return out
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	fields, _ := Normalize(r.Fields).(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{ID: r.ID, TypeName: r.TypeName, Fields: fields}
}

// Equal compares two records field for field.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID && r.TypeName == o.TypeName && reflect.DeepEqual(Normalize(r.Fields), Normalize(o.Fields))
}

// ChangedFields lists the top-level fields (including typeName) whose values
// differ between before and after, sorted.
func ChangedFields(before, after Record) []string {
	var changed []string
	if before.TypeName != after.TypeName {
		changed = append(changed, "typeName")
	}
	for k, bv := range before.Fields {
		av, ok := after.Fields[k]
		if !ok || !reflect.DeepEqual(Normalize(bv), Normalize(av)) {
			changed = append(changed, k)
		}
	}
	for k := range after.Fields {
		if _, ok := before.Fields[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// IsPositionOnly reports whether before and after differ only in x and/or y.
func IsPositionOnly(before, after Record) bool {
	changed := ChangedFields(before, after)
	if len(changed) == 0 {
		return false
	}
	for _, f := range changed {
		if f != "x" && f != "y" {
			return false
		}
	}
	return true
}

// Normalize converts v to plain JSON types (float64, string, bool, nil,
// []any, map[string]any), deep-copying containers.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case Record:
		return t.Value()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
