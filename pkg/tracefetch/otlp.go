// Conversion of OTLP/JSON trace exports into span records
// Ids become lowercase hex and timestamps fixed-width RFC 3339 so they sort as text
package tracefetch

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/andrewh/traceanchor/pkg/span"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// StartedAtLayout is RFC 3339 with a fixed nine-digit fraction, so that
// lexical order of startedAt equals chronological order.
const StartedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ParseOTLP converts an OTLP/JSON ExportTraceServiceRequest into span records.
func ParseOTLP(data []byte) ([]span.Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	spans := []span.Span{}
	for _, rs := range req.ResourceSpans {
		resourceAttrs := attributesMap(rs.GetResource().GetAttributes())
		serviceName, _ := resourceAttrs["service.name"].(string)

		for _, ss := range rs.ScopeSpans {
			scopeName := ss.GetScope().GetName()
			svc := serviceName
			if svc == "" {
				svc = scopeName
			}
			for _, sp := range ss.Spans {
				spans = append(spans, otlpSpan(sp, svc, scopeName, resourceAttrs))
			}
		}
	}
	return spans, nil
}

func otlpSpan(sp *tracepb.Span, service, scope string, resourceAttrs map[string]any) span.Span {
	s := span.Span{
		span.FieldTraceID:   hex.EncodeToString(sp.TraceId),
		span.FieldSpanID:    hex.EncodeToString(sp.SpanId),
		span.FieldStartedAt: formatUnixNano(sp.StartTimeUnixNano),
		"endedAt":           formatUnixNano(sp.EndTimeUnixNano),
		"name":              sp.Name,
		"kind":              sp.Kind.String(),
		"service":           service,
		"scope":             scope,
		"attributes":        attributesMap(sp.Attributes),
		"resource":          resourceAttrs,
	}

	if parent := hex.EncodeToString(sp.ParentSpanId); parent != "" && !isZeroID(parent) {
		s["parentSpanId"] = parent
	}
	if sp.Status != nil {
		s["status"] = map[string]any{
			"code":    sp.Status.Code.String(),
			"message": sp.Status.Message,
		}
	}
	if len(sp.Events) > 0 {
		events := make([]any, len(sp.Events))
		for i, ev := range sp.Events {
			events[i] = map[string]any{
				"name":       ev.Name,
				"time":       formatUnixNano(ev.TimeUnixNano),
				"attributes": attributesMap(ev.Attributes),
			}
		}
		s["events"] = events
	}
	return s
}

func formatUnixNano(ns uint64) string {
	return time.Unix(0, int64(ns)).UTC().Format(StartedAtLayout) //nolint:gosec // nanosecond timestamps fit in int64
}

// attributesMap flattens OTLP key/values into a map keeping typed values.
func attributesMap(kvs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = anyValue(kv.Value)
	}
	return out
}

// anyValue maps an OTLP AnyValue onto the canonical encoder's value domain.
func anyValue(v *commonpb.AnyValue) any {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return x.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return x.BytesValue
	case *commonpb.AnyValue_ArrayValue:
		vals := x.ArrayValue.GetValues()
		out := make([]any, len(vals))
		for i, e := range vals {
			out[i] = anyValue(e)
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		return attributesMap(x.KvlistValue.GetValues())
	default:
		return nil
	}
}

// isZeroID checks if a hex-encoded ID is all zeros.
func isZeroID(id string) bool {
	for _, c := range id {
		if c != '0' {
			return false
		}
	}
	return len(id) > 0
}
