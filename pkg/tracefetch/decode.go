// JSON decoding of span lists with numbers kept exact
package tracefetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/andrewh/traceanchor/pkg/span"
)

// DecodeSpans parses either {"spans": [...]} or a bare [...] of span objects.
// Numbers decode as json.Number so integers and floats keep their textual
// identity. A missing or null spans field yields an empty slice, but the
// document itself must be exactly one object or array.
func DecodeSpans(data []byte) ([]span.Span, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("parsing trace: empty document")
	}
	if bytes.Equal(data, []byte("null")) {
		return nil, errors.New("parsing trace: document is null")
	}

	var raw []json.RawMessage
	if data[0] == '[' {
		if err := decodeExact(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing span list: %w", err)
		}
	} else {
		var envelope struct {
			Spans []json.RawMessage `json:"spans"`
		}
		if err := decodeExact(data, &envelope); err != nil {
			return nil, fmt.Errorf("parsing trace: %w", err)
		}
		raw = envelope.Spans
	}

	spans := make([]span.Span, 0, len(raw))
	for i, r := range raw {
		var s span.Span
		if err := decodeExact(r, &s); err != nil {
			return nil, fmt.Errorf("span %d: %w", i, err)
		}
		if s == nil {
			return nil, fmt.Errorf("span %d: not an object", i)
		}
		spans = append(spans, s)
	}
	return spans, nil
}

func decodeExact(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON value at offset %d", dec.InputOffset())
	}
	return nil
}
