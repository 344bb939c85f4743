package records

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snorwin/jsonpatch"
)

// FieldPatch is one structural change inside a record value. Path is
// relative to the record, e.g. ["props", "color"].
type FieldPatch struct {
	Op    string
	Path  []string
	Value any
}

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// StructuralDiff computes the minimal set of field patches turning before
// into after. Any change inside an array is widened to one replace of the
// outermost array holding it, so arrays are always rewritten whole.
func StructuralDiff(before, after Record) ([]FieldPatch, error) {
	bv, av := before.Value(), after.Value()
	list, err := jsonpatch.CreateJSONPatch(av, bv)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", after.ID, err)
	}

	seen := map[string]bool{}
	var out []FieldPatch
	for _, p := range list.List() {
		path, err := decodePointer(p.Path)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", after.ID, err)
		}
		if len(path) == 0 {
			return nil, fmt.Errorf("diff %s: whole-record patch", after.ID)
		}
		fp := FieldPatch{Op: p.Operation, Path: path, Value: Normalize(p.Value)}
		if cut := outermostArray(bv, av, path); cut > 0 {
			fp.Path = path[:cut]
			if v, ok := lookup(av, fp.Path); ok {
				fp.Op, fp.Value = OpReplace, Normalize(v)
			} else {
				fp.Op, fp.Value = OpRemove, nil
			}
		}
		key := strings.Join(fp.Path, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, fp)
	}

	// drop patches nested under another patch that already rewrites them
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Path) < len(out[j].Path) })
	kept := out[:0]
	for _, fp := range out {
		covered := false
		for _, k := range kept {
			if k.Op != OpRemove && hasPrefix(fp.Path, k.Path) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, fp)
		}
	}
	return kept, nil
}

// outermostArray returns the length of the path prefix addressing the first
// array met while walking path in either value, or 0.
func outermostArray(before, after map[string]any, path []string) int {
	for i := 1; i < len(path); i++ {
		if isArray(before, path[:i]) || isArray(after, path[:i]) {
			return i
		}
	}
	return 0
}

func isArray(root map[string]any, path []string) bool {
	v, ok := lookup(root, path)
	if !ok {
		return false
	}
	_, ok = v.([]any)
	return ok
}

func lookup(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) >= len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// decodePointer splits an RFC 6901 JSON pointer into its segments.
func decodePointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("bad json pointer %q", ptr)
	}
	parts := strings.Split(ptr[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts, nil
}
