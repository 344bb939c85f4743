package records

import (
	"errors"
	"fmt"
	"sort"
)

// SchemaVersion is the version stamped into saved documents.
const SchemaVersion = 1

var ErrNoID = errors.New("record has no id")

// ephemeralCollections never leave the local store, whatever typeName a
// record claims.
var ephemeralCollections = map[string]bool{
	"instance":            true,
	"instance_page_state": true,
	"instance_presence":   true,
	"camera":              true,
	"pointer":             true,
}

// Schema is the set of record kinds the store understands.
type Schema struct {
	kinds map[string]Kind
}

func NewSchema(kinds ...Kind) *Schema {
	s := &Schema{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		s.kinds[k.TypeName()] = k
	}
	return s
}

func DefaultSchema() *Schema {
	return NewSchema(DefaultKinds()...)
}

func (s *Schema) Kind(typeName string) (Kind, bool) {
	k, ok := s.kinds[typeName]
	return k, ok
}

// KindOf finds the kind of r by its typeName, falling back to the id's
// collection.
func (s *Schema) KindOf(r Record) (Kind, bool) {
	if k, ok := s.kinds[r.TypeName]; ok {
		return k, true
	}
	if r.TypeName == "" {
		return s.Kind(r.ID.Collection())
	}
	return nil, false
}

// ScopeOf returns the scope of r. Unknown kinds are document-scoped.
func (s *Schema) ScopeOf(r Record) Scope {
	if k, ok := s.KindOf(r); ok {
		return k.Scope()
	}
	return ScopeDocument
}

// IsEphemeral reports whether r must stay out of the shared document. Both
// the kind's scope and the id's collection are checked.
func (s *Schema) IsEphemeral(r Record) bool {
	if ephemeralCollections[r.ID.Collection()] || ephemeralCollections[r.TypeName] {
		return true
	}
	return s.ScopeOf(r) != ScopeDocument
}

// Sanitize repairs r against its kind. Records of unknown kinds pass through
// with an issue noted.
func (s *Schema) Sanitize(r Record) (Record, []FieldIssue, error) {
	if r.ID == "" {
		return Record{}, nil, ErrNoID
	}
	k, ok := s.KindOf(r)
	if !ok {
		return r.Clone(), []FieldIssue{{Field: "typeName", Problem: fmt.Sprintf("unknown kind %q, passed through", r.TypeName)}}, nil
	}
	var issues []FieldIssue
	typeName := r.TypeName
	if typeName == "" {
		typeName = k.TypeName()
		issues = append(issues, FieldIssue{Field: "typeName", Problem: "inferred from id"})
	}
	fields, fieldIssues := k.Sanitize(r.Fields)
	return Record{ID: r.ID, TypeName: typeName, Fields: fields}, append(issues, fieldIssues...), nil
}

// Descriptor is the schema summary stored alongside the document's records.
func (s *Schema) Descriptor() map[string]any {
	names := make([]string, 0, len(s.kinds))
	for name := range s.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	versions := make(map[string]any, len(names))
	for _, name := range names {
		versions[name] = float64(SchemaVersion)
	}
	return map[string]any{
		"schemaVersion":  float64(SchemaVersion),
		"recordVersions": versions,
	}
}
