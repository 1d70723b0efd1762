// Span record type and the deterministic ordering applied before commitment
// Orders by (traceId, startedAt, spanId) with a stable sort; fetch order never matters
package span

import (
	"slices"
	"strings"

	"github.com/andrewh/traceanchor/pkg/canon"
)

// Span is one observability record as fetched: an unordered mapping of field
// name to value. Spans are treated as immutable once fetched.
type Span = map[string]any

// Field names that take part in ordering.
const (
	FieldTraceID   = "traceId"
	FieldStartedAt = "startedAt"
	FieldSpanID    = "spanId"
)

// Key is the ordering key of a span.
type Key struct {
	TraceID   string
	StartedAt string
	SpanID    string
}

// Compare orders keys component by component, byte-wise ascending.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.TraceID, o.TraceID); c != 0 {
		return c
	}
	if c := strings.Compare(k.StartedAt, o.StartedAt); c != 0 {
		return c
	}
	return strings.Compare(k.SpanID, o.SpanID)
}

// SortKey returns the ordering key of s. Missing fields and explicit nulls
// sort as the empty string.
func SortKey(s Span) Key {
	return Key{
		TraceID:   field(s, FieldTraceID),
		StartedAt: field(s, FieldStartedAt),
		SpanID:    field(s, FieldSpanID),
	}
}

// field returns the string form of a field: strings as-is, scalars via
// canon.KeyString, containers via their canonical encoding.
func field(s Span, name string) string {
	v, ok := s[name]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	if str, err := canon.KeyString(v); err == nil {
		return str
	}
	if b, err := canon.Encode(v); err == nil {
		return string(b)
	}
	// Unencodable values fail later in the encoder; any fixed form keeps the sort total.
	return ""
}

// Order returns a copy of spans sorted by SortKey. The sort is stable: spans
// with equal keys keep their input order. The input slice is not modified.
func Order(spans []Span) []Span {
	type keyed struct {
		key  Key
		span Span
	}
	ks := make([]keyed, len(spans))
	for i, s := range spans {
		ks[i] = keyed{key: SortKey(s), span: s}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int { return a.key.Compare(b.key) })

	out := make([]Span, len(ks))
	for i, k := range ks {
		out[i] = k.span
	}
	return out
}

// TraceIDs returns the distinct trace ids present in spans, in first-seen order.
func TraceIDs(spans []Span) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range spans {
		id := field(s, FieldTraceID)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
