// Ledger anchor submission
// Submit never fails the caller: every outcome is a Result with a status the caller can inspect
package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single submission when the config sets none.
const DefaultTimeout = 10 * time.Second

const (
	maxErrorBody = 4 * 1024
	resourcePath = "/resource/create/"

	formName = "AgentTraceProof"
	formType = "TextDocument"
)

// Status is the outcome of a submission.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Config holds the ledger endpoint and identity. An empty BaseURL disables submission.
type Config struct {
	BaseURL    string
	APIKey     string
	AgentID    string
	AuthDID    string
	Timeout    time.Duration
	SigningKey ed25519.PrivateKey
}

// Metadata identifies who anchored a trace. Empty fields fall back to the
// configured agent id and a fresh run id.
type Metadata struct {
	AgentID string
	RunID   string
}

// Result reports what happened to one submission.
type Result struct {
	Status     Status
	HTTPStatus int
	Body       string
	Record     *Record
	Err        error
}

// Submitter posts anchor records to the ledger.
type Submitter struct {
	cfg  Config
	http *http.Client
}

// NewSubmitter returns a Submitter whose transport is instrumented with otelhttp.
func NewSubmitter(cfg Config) *Submitter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Submitter{
		cfg:  cfg,
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Enabled reports whether a ledger endpoint is configured.
func (s *Submitter) Enabled() bool {
	return s != nil && s.cfg.BaseURL != ""
}

// Submit posts the record for root and traceID. Any non-2xx answer, transport
// failure, or timeout yields StatusFailed with Err set.
func (s *Submitter) Submit(ctx context.Context, root []byte, traceID string, meta Metadata) Result {
	const op = "submit anchor"
	if !s.Enabled() {
		return Result{Status: StatusSkipped}
	}

	if meta.AgentID == "" {
		meta.AgentID = s.cfg.AgentID
	}
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	rec := NewRecord(root, traceID, meta)
	if s.cfg.SigningKey != nil {
		signed, err := rec.Sign(s.cfg.SigningKey)
		if err != nil {
			return failed(&rec, anchorerr.Wrap(anchorerr.KindLedgerSubmitFailed, op, "signing record", err))
		}
		rec = signed
	}

	data, err := rec.Encode()
	if err != nil {
		return failed(&rec, anchorerr.Wrap(anchorerr.KindLedgerSubmitFailed, op, "encoding record", err))
	}
	form := url.Values{
		"data":     {data},
		"encoding": {"base64url"},
		"name":     {formName},
		"type":     {formType},
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	u := s.cfg.BaseURL + resourcePath + url.PathEscape(s.cfg.AuthDID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return failed(&rec, anchorerr.Wrap(anchorerr.KindLedgerSubmitFailed, op, "building request", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-api-key", s.cfg.APIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		if anchorerr.IsTimeout(err) {
			return failed(&rec, anchorerr.Wrap(anchorerr.KindTimeout, op, "request timed out", err))
		}
		return failed(&rec, anchorerr.Wrap(anchorerr.KindLedgerSubmitFailed, op, "request failed", err))
	}
	defer resp.Body.Close() //nolint:errcheck // body drained below

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	res := Result{HTTPStatus: resp.StatusCode, Body: string(body), Record: &rec}
	if err != nil {
		kind := anchorerr.KindLedgerSubmitFailed
		if anchorerr.IsTimeout(err) {
			kind = anchorerr.KindTimeout
		}
		res.Status = StatusFailed
		res.Err = anchorerr.Wrap(kind, op, fmt.Sprintf("reading response (HTTP %d)", resp.StatusCode), err)
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Status = StatusFailed
		res.Err = anchorerr.HTTPStatus(anchorerr.KindLedgerSubmitFailed, op, resp.StatusCode, string(body))
		return res
	}
	res.Status = StatusOK
	return res
}

func failed(rec *Record, err error) Result {
	return Result{Status: StatusFailed, Record: rec, Err: err}
}
