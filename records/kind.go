package records

import (
	"fmt"
	"sort"
	"strconv"
)

// FieldType is the JSON type a field must hold.
type FieldType int

const (
	TypeAny FieldType = iota
	TypeString
	TypeNumber
	TypeBool
	TypeObject
	TypeArray
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "any"
	}
}

// FieldSpec describes one field of a kind.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Default  func() any
	Optional bool
}

func (f FieldSpec) defaultValue() any {
	if f.Default != nil {
		return Normalize(f.Default())
	}
	switch f.Type {
	case TypeString:
		return ""
	case TypeNumber:
		return 0.0
	case TypeBool:
		return false
	case TypeObject:
		return map[string]any{}
	case TypeArray:
		return []any{}
	default:
		return nil
	}
}

// FieldIssue describes one repair made while sanitizing.
type FieldIssue struct {
	Field   string
	Problem string
}

func (i FieldIssue) String() string {
	return i.Field + ": " + i.Problem
}

// Kind is one record type. Each kind owns its validation and default filling.
type Kind interface {
	TypeName() string
	Scope() Scope
	Sanitize(fields map[string]any) (map[string]any, []FieldIssue)
}

type fieldKind struct {
	typeName string
	scope    Scope
	fields   []FieldSpec
}

// NewKind declares a kind whose fields are checked against specs. Fields
// not named in specs pass through untouched.
func NewKind(typeName string, scope Scope, specs ...FieldSpec) Kind {
	return &fieldKind{typeName: typeName, scope: scope, fields: specs}
}

func (k *fieldKind) TypeName() string { return k.typeName }
func (k *fieldKind) Scope() Scope     { return k.scope }

func (k *fieldKind) Sanitize(fields map[string]any) (map[string]any, []FieldIssue) {
	return sanitizeFields(fields, k.fields, "")
}

func sanitizeFields(fields map[string]any, specs []FieldSpec, prefix string) (map[string]any, []FieldIssue) {
	out, _ := Normalize(fields).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	var issues []FieldIssue
	for _, spec := range specs {
		name := prefix + spec.Name
		v, ok := out[spec.Name]
		if !ok {
			if spec.Optional {
				continue
			}
			out[spec.Name] = spec.defaultValue()
			issues = append(issues, FieldIssue{Field: name, Problem: "missing, filled with default"})
			continue
		}
		fixed, problem := coerce(spec, v)
		if problem != "" {
			out[spec.Name] = fixed
			issues = append(issues, FieldIssue{Field: name, Problem: problem})
		}
	}
	return out, issues
}

func coerce(spec FieldSpec, v any) (any, string) {
	switch spec.Type {
	case TypeString:
		if _, ok := v.(string); ok {
			return v, ""
		}
	case TypeNumber:
		switch t := v.(type) {
		case float64:
			if finite(t) {
				return v, ""
			}
			return spec.defaultValue(), "non-finite number, reset to default"
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil && finite(f) {
				return f, "numeric string converted to number"
			}
		}
	case TypeBool:
		if _, ok := v.(bool); ok {
			return v, ""
		}
	case TypeObject:
		if _, ok := v.(map[string]any); ok {
			return v, ""
		}
	case TypeArray:
		switch t := v.(type) {
		case []any:
			return v, ""
		case map[string]any:
			if arr, ok := indexKeyedArray(t); ok {
				return arr, "index-keyed object converted to array"
			}
		}
	default:
		return v, ""
	}
	return spec.defaultValue(), fmt.Sprintf("expected %s, got %s, reset to default", spec.Type, jsonTypeName(v))
}

// indexKeyedArray turns {"0": a, "1": b} into [a, b]. Keys must be exactly
// the indexes 0..n-1.
func indexKeyedArray(m map[string]any) ([]any, bool) {
	idx := make([]int, 0, len(m))
	for k := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || strconv.Itoa(i) != k {
			return nil, false
		}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for want, got := range idx {
		if want != got {
			return nil, false
		}
	}
	out := make([]any, len(idx))
	for i := range idx {
		out[i] = m[strconv.Itoa(i)]
	}
	return out, true
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// shapeKind sanitizes the common shape fields, then the props of the
// concrete shape type.
type shapeKind struct {
	base  fieldKind
	props map[string][]FieldSpec
}

func (k *shapeKind) TypeName() string { return k.base.typeName }
func (k *shapeKind) Scope() Scope     { return k.base.scope }

func (k *shapeKind) Sanitize(fields map[string]any) (map[string]any, []FieldIssue) {
	out, issues := k.base.Sanitize(fields)
	shapeType, _ := out["type"].(string)
	specs, ok := k.props[shapeType]
	if !ok {
		if shapeType != "" {
			issues = append(issues, FieldIssue{Field: "type", Problem: fmt.Sprintf("unknown shape type %q, props left as is", shapeType)})
		}
		return out, issues
	}
	props, _ := out["props"].(map[string]any)
	fixed, propIssues := sanitizeFields(props, specs, "props.")
	out["props"] = fixed
	return out, append(issues, propIssues...)
}

func str(name, def string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeString, Default: func() any { return def }}
}

func num(name string, def float64) FieldSpec {
	return FieldSpec{Name: name, Type: TypeNumber, Default: func() any { return def }}
}

func boolean(name string, def bool) FieldSpec {
	return FieldSpec{Name: name, Type: TypeBool, Default: func() any { return def }}
}

func object(name string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeObject}
}

func array(name string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeArray}
}

func point(name string, x, y float64) FieldSpec {
	return FieldSpec{Name: name, Type: TypeObject, Default: func() any {
		return map[string]any{"x": x, "y": y}
	}}
}

var shapeProps = map[string][]FieldSpec{
	"geo": {
		str("geo", "rectangle"), num("w", 100), num("h", 100),
		str("color", "black"), str("fill", "none"), str("text", ""),
	},
	"draw": {
		array("segments"), str("color", "black"), str("fill", "none"),
		boolean("isComplete", false), boolean("isClosed", false),
	},
	"text": {
		str("text", ""), num("w", 8), str("color", "black"),
		str("size", "m"), boolean("autoSize", true),
	},
	"arrow": {
		point("start", 0, 0), point("end", 100, 0),
		str("color", "black"), str("text", ""),
	},
	"line": {
		array("points"), str("color", "black"),
	},
	"note": {
		str("text", ""), str("color", "yellow"), str("size", "m"),
	},
	"frame": {
		num("w", 160), num("h", 90), str("name", ""),
	},
	"image": {
		num("w", 100), num("h", 100), str("assetId", ""),
	},
}

// DefaultKinds returns the built-in record kinds.
func DefaultKinds() []Kind {
	return []Kind{
		NewKind("document", ScopeDocument, str("name", ""), num("gridSize", 10), object("meta")),
		NewKind("page", ScopeDocument, str("name", "Page"), str("index", "a1"), object("meta")),
		&shapeKind{
			base: fieldKind{typeName: "shape", scope: ScopeDocument, fields: []FieldSpec{
				str("type", "geo"), num("x", 0), num("y", 0), num("rotation", 0),
				boolean("isLocked", false), num("opacity", 1),
				str("parentId", ""), str("index", "a1"),
				object("props"), object("meta"),
			}},
			props: shapeProps,
		},
		NewKind("binding", ScopeDocument, str("type", "arrow"), str("fromId", ""), str("toId", ""), object("props"), object("meta")),
		NewKind("asset", ScopeDocument, str("type", "image"), object("props"), object("meta")),
		NewKind("instance", ScopeSession, str("currentPageId", "")),
		NewKind("instance_page_state", ScopeSession, str("pageId", ""), array("selectedShapeIds"),
			FieldSpec{Name: "hoveredShapeId", Type: TypeString, Optional: true}),
		NewKind("camera", ScopeSession, num("x", 0), num("y", 0), num("z", 1)),
		NewKind("pointer", ScopeSession, num("x", 0), num("y", 0), num("lastActivityTimestamp", 0)),
		NewKind("instance_presence", ScopePresence, str("userId", ""), str("userName", ""), point("cursor", 0, 0), str("color", "")),
	}
}
