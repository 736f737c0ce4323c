package model

import (
	"fmt"
	"sort"
	"strings"
)

// Doc is the serialized form of a ticket: a JSON-shaped mapping of field
// names to values. Unset fields are absent rather than zero-valued, so a
// structural diff between two docs sees additions and removals directly.
//
// Value types in a Doc are limited to string, []string (sorted) and
// map[string]string (the extension map). Timestamps and decimals are
// carried as strings to keep JSON round trips exact.
type Doc map[string]any

// Clone returns a deep copy of the doc.
func (d Doc) Clone() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		m := make(map[string]string, len(val))
		for k, s := range val {
			m[k] = s
		}
		return m
	default:
		return v
	}
}

// Flatten expands the extension map into dotted "extended.<key>" entries
// so that diffing and conflict reporting address individual extension
// values rather than the whole map.
func (d Doc) Flatten() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		if k == "extended" {
			ext, ok := v.(map[string]string)
			if !ok {
				continue
			}
			for ek, ev := range ext {
				out["extended."+ek] = ev
			}
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Unflatten is the inverse of Flatten: dotted extension entries are
// gathered back into a single "extended" map.
func (d Doc) Unflatten() Doc {
	out := make(Doc, len(d))
	var ext map[string]string
	for k, v := range d {
		if key, ok := ExtendedKey(k); ok {
			s, isStr := v.(string)
			if !isStr {
				// Non-string extension values (e.g. a pending conflict
				// marker) cannot be folded back into the typed map.
				continue
			}
			if ext == nil {
				ext = make(map[string]string)
			}
			ext[key] = s
			continue
		}
		out[k] = cloneValue(v)
	}
	if ext != nil {
		out["extended"] = ext
	}
	return out
}

// ValueEqual compares two doc values structurally.
func ValueEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case map[string]string:
		bv, ok := b.(map[string]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if bv[k] != v {
				return false
			}
		}
		return true
	case Conflict:
		_, ok := b.(Conflict)
		return ok
	default:
		return a == b
	}
}

// NormalizeDoc rebuilds a doc decoded from JSON into the canonical value
// types used in-process: []any of strings becomes []string, nested
// map[string]any becomes map[string]string.
func NormalizeDoc(raw map[string]any) (Doc, error) {
	out := make(Doc, len(raw))
	for k, v := range raw {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue converts a single JSON-decoded value to its canonical
// doc representation.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, []string, map[string]string:
		return val, nil
	case []any:
		ss := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element %v in list", item)
			}
			ss[i] = s
		}
		sort.Strings(ss)
		return ss, nil
	case map[string]any:
		m := make(map[string]string, len(val))
		for k, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string value %v under key %q", item, k)
			}
			m[k] = s
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// sortedKeys returns the doc's keys in lexical order, for deterministic
// iteration.
func sortedKeys(d Doc) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeSet dedupes, trims and sorts a string slice into canonical
// set form. An empty result is nil so that empty sets serialize as
// absent.
func normalizeSet(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
