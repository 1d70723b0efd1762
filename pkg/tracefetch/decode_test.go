// Tests for span list decoding and local file sources
// Covers envelope and bare-array JSON, YAML, OTLP conversion, and format detection
package tracefetch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDecodeSpans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    int
		wantErr string
	}{
		{name: "envelope", in: `{"spans":[{"spanId":"a"},{"spanId":"b"}]}`, want: 2},
		{name: "bare array", in: `[{"spanId":"a"}]`, want: 1},
		{name: "null spans", in: `{"spans":null}`, want: 0},
		{name: "blank input", in: "  \n", wantErr: "empty document"},
		{name: "null document", in: "null", wantErr: "document is null"},
		{name: "trailing data after envelope", in: `{"spans":[]}<html>oops`, wantErr: "unexpected data after JSON value"},
		{name: "trailing data after array", in: `[{"traceId":"t1"}] trailing`, wantErr: "unexpected data after JSON value"},
		{name: "two documents", in: `{"spans":[]} {"spans":[]}`, wantErr: "unexpected data after JSON value"},
		{name: "null element", in: `{"spans":[null]}`, wantErr: "not an object"},
		{name: "scalar element", in: `[1]`, wantErr: "span 0"},
		{name: "spans not a list", in: `{"spans":"x"}`, wantErr: "parsing trace"},
		{name: "invalid json", in: `{`, wantErr: "parsing trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spans, err := DecodeSpans([]byte(tt.in))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, spans, tt.want)
		})
	}
}

func TestDecodeSpansKeepsNumberText(t *testing.T) {
	t.Parallel()

	spans, err := DecodeSpans([]byte(`[{"a":1,"b":1.0,"c":123456789012345678901}]`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), spans[0]["a"])
	assert.Equal(t, json.Number("1.0"), spans[0]["b"])
	assert.Equal(t, json.Number("123456789012345678901"), spans[0]["c"])
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "spans.yaml", `
spans:
  - traceId: t1
    spanId: b
    startedAt: "2"
    retries: 2
    ratio: 0.5
  - traceId: t1
    spanId: a
    startedAt: "1"
`)
	spans, err := LoadFile(path, FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "b", spans[0]["spanId"])
	assert.Equal(t, 2, spans[0]["retries"])
	assert.Equal(t, 0.5, spans[0]["ratio"])
}

func TestLoadFileYAMLRejectsNonMappingSpan(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "spans.yml", "- just a string\n")
	_, err := LoadFile(path, FormatAuto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "span 0")
}

func TestLoadFileJSONAutoDetect(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "trace.json", `{"spans":[{"traceId":"t1","spanId":"a"}]}`)
	spans, err := LoadFile(path, FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 1)
}

func TestLoadFileUnknownFormat(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "trace.json", `[]`)
	_, err := LoadFile(path, Format("xml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadFile("/nonexistent/spans.json", FormatAuto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading spans")
}

const otlpExport = `{
	"resourceSpans": [{
		"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "api"}}]},
		"scopeSpans": [{"scope": {"name": "api-scope"}, "spans": [{
			"traceId": "AQIDBAUGBwgJCgsMDQ4PEA==",
			"spanId": "AQIDBAUGBwg=",
			"parentSpanId": "AAAAAAAAAAA=",
			"name": "GET /users",
			"kind": 2,
			"startTimeUnixNano": "1700000000000000000",
			"endTimeUnixNano": "1700000000030000000",
			"status": {"code": 2, "message": "boom"},
			"attributes": [
				{"key": "http.method", "value": {"stringValue": "GET"}},
				{"key": "http.status_code", "value": {"intValue": "500"}},
				{"key": "retry", "value": {"boolValue": true}},
				{"key": "ratio", "value": {"doubleValue": 0.25}},
				{"key": "tags", "value": {"arrayValue": {"values": [{"stringValue": "x"}]}}}
			],
			"events": [{"name": "exception", "timeUnixNano": "1700000000010000000", "attributes": []}]
		}]}]
	}]
}`

func TestParseOTLP(t *testing.T) {
	t.Parallel()

	spans, err := ParseOTLP([]byte(otlpExport))
	require.NoError(t, err)
	require.Len(t, spans, 1)

	s := spans[0]
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", s["traceId"])
	assert.Equal(t, "0102030405060708", s["spanId"])
	assert.NotContains(t, s, "parentSpanId", "all-zeros parent should be omitted")
	assert.Equal(t, "2023-11-14T22:13:20.000000000Z", s["startedAt"])
	assert.Equal(t, "2023-11-14T22:13:20.030000000Z", s["endedAt"])
	assert.Equal(t, "api", s["service"])
	assert.Equal(t, "api-scope", s["scope"])
	assert.Equal(t, "SPAN_KIND_SERVER", s["kind"])
	assert.Equal(t, map[string]any{"code": "STATUS_CODE_ERROR", "message": "boom"}, s["status"])

	attrs := s["attributes"].(map[string]any)
	assert.Equal(t, "GET", attrs["http.method"])
	assert.Equal(t, int64(500), attrs["http.status_code"])
	assert.Equal(t, true, attrs["retry"])
	assert.Equal(t, 0.25, attrs["ratio"])
	assert.Equal(t, []any{"x"}, attrs["tags"])

	events := s["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "exception", events[0].(map[string]any)["name"])
}

func TestParseOTLPInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseOTLP([]byte(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing OTLP")
}

func TestLoadFileOTLPAutoDetect(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "export.json", otlpExport)
	spans, err := LoadFile(path, FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /users", spans[0]["name"])
}

func TestIsZeroID(t *testing.T) {
	assert.True(t, isZeroID("0000000000000000"))
	assert.True(t, isZeroID("00"))
	assert.False(t, isZeroID("0a00000000000000"))
	assert.False(t, isZeroID(""))
}

func TestFileSourceFiltersByTrace(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "trace.json", `[{"traceId":"t1","spanId":"a"},{"traceId":"t2","spanId":"b"}]`)
	src := FileSource{Path: path, Format: FormatJSON}

	spans, err := src.Fetch(context.Background(), "t2")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "b", spans[0]["spanId"])

	all, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := src.Fetch(context.Background(), "t9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
