package entsync

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Record is an entity as a backend sees it: field names in the
// backend's naming convention mapped to decoded values.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// ID returns the value stored under key formatted as a string.
// Numeric IDs are formatted without a fractional part.
func (r Record) ID(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	return FormatID(v), true
}

// FormatID renders a backend identifier as a string.
func FormatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id))
		}
		return fmt.Sprintf("%g", id)
	case float32:
		return FormatID(float64(id))
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

// Filter narrows a get-list operation.
type Filter struct {
	// IDs restricts the result to entities with these identifiers.
	IDs []string
	// Where holds equality constraints keyed by property name.
	Where map[string]any
	// Limit caps the number of entities returned. Zero means no limit.
	Limit int
}

// Empty reports whether the filter places no constraint.
func (f Filter) Empty() bool {
	return len(f.IDs) == 0 && len(f.Where) == 0 && f.Limit == 0
}

// Request is a single dispatched operation.
type Request struct {
	Entity    string
	Operation Operation
	ID        string
	IDs       []string
	Record    Record
	Records   []Record
	Filter    Filter
}

// Result is what a handler produced for a Request.
type Result struct {
	Record  Record
	Records []Record
}

// Handler performs one operation against a backend.
type Handler func(ctx context.Context, req *Request) (*Result, error)

// Match reports whether rec satisfies the IDs and Where constraints of f.
// idKey names the identifier field. Field names are compared through r,
// and values compare equal when their string forms match.
func (f Filter) Match(rec Record, idKey string, r NameResolver) bool {
	if len(f.IDs) > 0 {
		id, ok := rec.ID(idKey)
		if !ok || !slices.Contains(f.IDs, id) {
			return false
		}
	}
	for name, want := range f.Where {
		got, ok := lookup(rec, name, r)
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	return true
}

// Apply returns the records in recs matching f, truncated to f.Limit.
func (f Filter) Apply(recs []Record, idKey string, r NameResolver) []Record {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
		if f.Match(rec, idKey, r) {
			out = append(out, rec)
		}
	}
	return out
}

func lookup(rec Record, name string, r NameResolver) (any, bool) {
	if v, ok := rec[name]; ok {
		return v, true
	}
	if r == nil {
		return nil, false
	}
	want := r.Canonical(name)
	for k, v := range rec {
		if r.Canonical(k) == want {
			return v, true
		}
	}
	return nil, false
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return FormatID(a) == FormatID(b)
}

// ListID returns the identifier of the i-th record of a list request:
// ids[i] when present, otherwise the value of rec's key field.
func ListID(ids []string, i int, rec Record, key string) (string, bool) {
	if i < len(ids) && ids[i] != "" {
		return ids[i], true
	}
	return rec.ID(key)
}
