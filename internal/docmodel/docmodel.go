// Package docmodel provides untyped-tree helpers over the JSON documents
// that flow through the core: job contracts, artifacts, evaluations, and
// registry records. Every document is kept as a map[string]any end to end
// so that unknown fields the schema permits survive storage and audit
// unmodified; typed views are built on top by callers, never owned here.
package docmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Doc is the untyped representation of any core document.
type Doc = map[string]any

// Get walks dotted path segments (e.g. "spec.status.state") through a Doc
// and returns the value found, or nil, false if any segment is absent or
// the tree does not match the expected shape at that point.
func Get(d Doc, path string) (any, bool) {
	cur := any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(Doc)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// GetString is Get with a string-typed result; returns "" if absent or
// not a string.
func GetString(d Doc, path string) string {
	v, ok := Get(d, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetFloat returns a numeric field as float64; JSON-decoded numbers are
// always float64 under map[string]any.
func GetFloat(d Doc, path string) (float64, bool) {
	v, ok := Get(d, path)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// GetDoc returns a nested object as a Doc.
func GetDoc(d Doc, path string) (Doc, bool) {
	v, ok := Get(d, path)
	if !ok {
		return nil, false
	}
	m, ok := v.(Doc)
	return m, ok
}

// GetSlice returns a nested array as []any.
func GetSlice(d Doc, path string) ([]any, bool) {
	v, ok := Get(d, path)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// GetStringSlice returns a nested array of strings, ignoring non-string
// elements (documents are open; a malformed element is not the concern
// of this helper).
func GetStringSlice(d Doc, path string) []string {
	raw, ok := GetSlice(d, path)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Set writes a value at a dotted path, creating intermediate objects as
// needed. It mutates d in place; callers that need non-destructive
// updates should DeepCopy first.
func Set(d Doc, path string, value any) {
	segs := strings.Split(path, ".")
	cur := d
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(Doc)
		if !ok {
			next = Doc{}
			cur[seg] = next
		}
		cur = next
	}
}

// DeepCopy returns a structurally independent copy of d via a JSON
// round-trip, which also normalizes the tree to the map[string]any /
// []any / float64 / string / bool / nil shape produced by
// encoding/json.Unmarshal — the canonical in-memory shape for every
// document in this package.
func DeepCopy(d Doc) Doc {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("docmodel: unmarshalable document: %v", err))
	}
	var out Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("docmodel: round-trip failed: %v", err))
	}
	return out
}

// Equal reports whether two documents are structurally identical by
// comparing their canonical JSON renderings.
func Equal(a, b Doc) bool {
	ab, err := CanonicalJSON(a)
	if err != nil {
		return false
	}
	bb, err := CanonicalJSON(b)
	if err != nil {
		return false
	}
	return ab == bb
}

// CanonicalJSON renders a document with sorted keys and no insignificant
// whitespace so persisted and audited representations are byte-stable.
// Scalars are encoded by encoding/json, so non-ASCII text is written as
// UTF-8 rather than as \u escapes.
func CanonicalJSON(d any) (string, error) {
	return canonicalize(d)
}

func canonicalize(v any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case Doc:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}

// ParseJSON decodes raw JSON bytes into a Doc.
func ParseJSON(raw []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("docmodel: invalid JSON document: %w", err)
	}
	return d, nil
}
