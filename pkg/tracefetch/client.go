// HTTP client for the observability service's trace endpoint
// Non-200 answers and timeouts surface as typed errors; spans are never partially returned
package tracefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/andrewh/traceanchor/pkg/span"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Source supplies the spans of a trace.
type Source interface {
	Fetch(ctx context.Context, traceID string) ([]span.Span, error)
}

const (
	// DefaultTimeout bounds a single fetch when the caller sets none.
	DefaultTimeout = 10 * time.Second

	// maxBodySize caps the response body to prevent OOM on huge traces.
	maxBodySize = 64 * 1024 * 1024 // 64 MB

	// maxErrorBody caps how much of a failed response is kept for diagnostics.
	maxErrorBody = 4 * 1024

	tracesPath = "/api/observability/traces/"
)

// Client fetches traces from an observability service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
}

// NewClient returns a Client for baseURL whose transport is instrumented with otelhttp.
// A zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Timeout: timeout,
	}
}

// Fetch retrieves the spans of traceID. A trace with no spans yields an empty
// slice and no error.
func (c *Client) Fetch(ctx context.Context, traceID string) ([]span.Span, error) {
	const op = "fetch trace"
	if strings.TrimSpace(traceID) == "" {
		return nil, anchorerr.New(anchorerr.KindInvalidInput, op, "trace id is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	u := c.BaseURL + tracesPath + url.PathEscape(traceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, anchorerr.Wrap(anchorerr.KindInvalidInput, op, "building request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, anchorerr.HTTPStatus(anchorerr.KindFetchFailed, op, resp.StatusCode, truncate(body, maxErrorBody))
	}
	if len(body) > maxBodySize {
		return nil, anchorerr.New(anchorerr.KindFetchFailed, op,
			fmt.Sprintf("response exceeds maximum size of %d MB", maxBodySize/(1024*1024)))
	}

	spans, err := DecodeSpans(body)
	if err != nil {
		return nil, anchorerr.Wrap(anchorerr.KindFetchFailed, op, "decoding response", err)
	}
	return spans, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func transportError(op string, err error) error {
	if anchorerr.IsTimeout(err) {
		return anchorerr.Wrap(anchorerr.KindTimeout, op, "request timed out", err)
	}
	return anchorerr.Wrap(anchorerr.KindFetchFailed, op, "request failed", err)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
