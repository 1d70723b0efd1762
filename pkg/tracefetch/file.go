// Local span sources for offline root computation
// Reads JSON, YAML, or OTLP/JSON exports from disk
package tracefetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewh/traceanchor/pkg/span"
	"gopkg.in/yaml.v3"
)

// Format identifies a span file format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatOTLP Format = "otlp"
)

// LoadFile reads spans from path. FormatAuto picks YAML by file extension and
// otherwise inspects the JSON for an OTLP resourceSpans field.
func LoadFile(path string, format Format) ([]span.Span, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied span file is expected
	if err != nil {
		return nil, fmt.Errorf("reading spans: %w", err)
	}
	if format == FormatAuto || format == "" {
		format = detectFormat(path, data)
	}

	switch format {
	case FormatJSON:
		return DecodeSpans(data)
	case FormatYAML:
		return decodeYAML(data)
	case FormatOTLP:
		return ParseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, json, yaml, otlp", format)
	}
}

func detectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &probe); err == nil {
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP
		}
	}
	return FormatJSON
}

func decodeYAML(data []byte) ([]span.Span, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	var items []any
	switch x := doc.(type) {
	case nil:
		return []span.Span{}, nil
	case []any:
		items = x
	case map[string]any:
		list, ok := x["spans"].([]any)
		if !ok && x["spans"] != nil {
			return nil, fmt.Errorf("parsing YAML: spans must be a list")
		}
		items = list
	default:
		return nil, fmt.Errorf("parsing YAML: expected a span list or a mapping with spans")
	}

	spans := make([]span.Span, 0, len(items))
	for i, item := range items {
		s, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("span %d: not a mapping with string keys", i)
		}
		spans = append(spans, s)
	}
	return spans, nil
}

// FileSource serves spans from one local file, filtered by trace id.
type FileSource struct {
	Path   string
	Format Format
}

// Fetch returns the spans in the file whose traceId equals traceID. An empty
// traceID returns every span.
func (f FileSource) Fetch(_ context.Context, traceID string) ([]span.Span, error) {
	spans, err := LoadFile(f.Path, f.Format)
	if err != nil {
		return nil, err
	}
	if traceID == "" {
		return spans, nil
	}
	out := []span.Span{}
	for _, s := range spans {
		if span.SortKey(s).TraceID == traceID {
			out = append(out, s)
		}
	}
	return out, nil
}
