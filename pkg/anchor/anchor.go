// Anchoring pipeline: fetch, order, canonicalize, commit, submit
// Each call is independent; no state is shared between anchor operations
package anchor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/andrewh/traceanchor/pkg/canon"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/andrewh/traceanchor/pkg/merkle"
	"github.com/andrewh/traceanchor/pkg/span"
	"github.com/andrewh/traceanchor/pkg/tracefetch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelThreshold is the span count at which encoding fans out.
const DefaultParallelThreshold = 256

// FailurePolicy decides whether a failed ledger submission fails the anchor.
type FailurePolicy string

const (
	// FailOpen returns the root even when the ledger submission fails.
	FailOpen FailurePolicy = "fail-open"
	// FailClosed turns a failed ledger submission into an anchor error.
	FailClosed FailurePolicy = "fail-closed"
)

// ParsePolicy validates a policy name. The empty string selects FailOpen.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailOpen, nil
	case FailOpen, FailClosed:
		return p, nil
	default:
		return "", fmt.Errorf("unknown ledger failure policy %q, valid policies: fail-open, fail-closed", s)
	}
}

// Ledger receives computed roots.
type Ledger interface {
	Submit(ctx context.Context, root []byte, traceID string, meta ledger.Metadata) ledger.Result
}

// Anchorer runs the pipeline for one trace at a time.
type Anchorer struct {
	Source            tracefetch.Source
	Ledger            Ledger
	Policy            FailurePolicy
	ParallelThreshold int
	Tracer            trace.Tracer
	Observers         []Observer
}

// Result is the outcome of anchoring one trace.
type Result struct {
	TraceID   string
	Tree      *merkle.Tree
	RootCID   string
	SpanCount int
	Ledger    ledger.Result
	Duration  time.Duration
}

// RootHex returns the committed root as lowercase hex.
func (r *Result) RootHex() string {
	return r.Tree.RootHex()
}

// Anchor fetches traceID, commits its spans and submits the root. A failed
// fetch or encode is returned as an error before anything is submitted. A
// failed submission is reported in Result.Ledger, and also returned as an
// error under FailClosed.
func (a *Anchorer) Anchor(ctx context.Context, traceID string, meta ledger.Metadata) (*Result, error) {
	start := time.Now()
	ctx, sp := a.tracer().Start(ctx, "anchor", trace.WithAttributes(attribute.String("trace.id", traceID)))
	defer sp.End()

	res, err := a.anchor(ctx, traceID, meta)
	if res == nil {
		res = &Result{TraceID: traceID}
	}
	res.Duration = time.Since(start)
	a.notify(Info{
		TraceID:   traceID,
		SpanCount: res.SpanCount,
		Duration:  res.Duration,
		Root:      rootHex(res.Tree),
		Ledger:    res.Ledger,
		Err:       err,
	})

	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, string(anchorerr.KindOf(err)))
		return nil, err
	}
	sp.SetAttributes(
		attribute.Int("anchor.span_count", res.SpanCount),
		attribute.String("anchor.root", res.RootHex()),
		attribute.String("ledger.status", string(res.Ledger.Status)),
	)
	return res, nil
}

func (a *Anchorer) anchor(ctx context.Context, traceID string, meta ledger.Metadata) (*Result, error) {
	if strings.TrimSpace(traceID) == "" {
		return nil, anchorerr.New(anchorerr.KindInvalidInput, "anchor", "trace id is required")
	}
	if a.Source == nil {
		return nil, errors.New("anchor: no trace source configured")
	}

	fctx, fsp := a.tracer().Start(ctx, "fetch")
	spans, err := a.Source.Fetch(fctx, traceID)
	endSpan(fsp, err)
	if err != nil {
		return nil, fmt.Errorf("anchoring %s: %w", traceID, err)
	}

	tree, err := a.Commit(ctx, spans)
	if err != nil {
		return nil, fmt.Errorf("anchoring %s: %w", traceID, err)
	}
	cid, err := tree.RootCID()
	if err != nil {
		return nil, fmt.Errorf("anchoring %s: %w", traceID, err)
	}
	res := &Result{TraceID: traceID, Tree: tree, RootCID: cid, SpanCount: tree.Size()}

	res.Ledger = a.submit(ctx, tree.Root(), traceID, meta)
	if res.Ledger.Status == ledger.StatusFailed && a.Policy == FailClosed {
		return res, fmt.Errorf("anchoring %s: %w", traceID, res.Ledger.Err)
	}
	return res, nil
}

func (a *Anchorer) submit(ctx context.Context, root []byte, traceID string, meta ledger.Metadata) ledger.Result {
	if a.Ledger == nil {
		return ledger.Result{Status: ledger.StatusSkipped}
	}
	ctx, sp := a.tracer().Start(ctx, "ledger.submit")
	res := a.Ledger.Submit(ctx, root, traceID, meta)
	sp.SetAttributes(attribute.String("ledger.status", string(res.Status)))
	if res.HTTPStatus != 0 {
		sp.SetAttributes(attribute.Int("http.response.status_code", res.HTTPStatus))
	}
	endSpan(sp, res.Err)
	return res
}

// Commit orders spans, canonicalizes each one and builds the Merkle tree.
// It performs no I/O.
func (a *Anchorer) Commit(ctx context.Context, spans []span.Span) (*merkle.Tree, error) {
	ctx, sp := a.tracer().Start(ctx, "commit", trace.WithAttributes(attribute.Int("anchor.span_count", len(spans))))
	defer sp.End()

	entries, err := EncodeSpans(ctx, span.Order(spans), a.threshold())
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "encode failed")
		return nil, err
	}
	tree, err := merkle.Commit(entries)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "commit failed")
		return nil, fmt.Errorf("committing spans: %w", err)
	}
	return tree, nil
}

// EncodeSpans canonicalizes already-ordered spans. At threshold spans or more
// the work is split across GOMAXPROCS workers; results land by index so the
// output order never depends on scheduling. A threshold <= 0 always fans out.
func EncodeSpans(ctx context.Context, spans []span.Span, threshold int) ([][]byte, error) {
	entries := make([][]byte, len(spans))
	if len(spans) < threshold || len(spans) < 2 {
		for i, s := range spans {
			b, err := canon.Encode(s)
			if err != nil {
				return nil, fmt.Errorf("span %d: %w", i, err)
			}
			entries[i] = b
		}
		return entries, nil
	}

	workers := min(runtime.GOMAXPROCS(0), len(spans))
	chunk := (len(spans) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(spans); lo += chunk {
		hi := min(lo+chunk, len(spans))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				b, err := canon.Encode(spans[i])
				if err != nil {
					return fmt.Errorf("span %d: %w", i, err)
				}
				entries[i] = b
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *Anchorer) threshold() int {
	if a.ParallelThreshold == 0 {
		return DefaultParallelThreshold
	}
	return a.ParallelThreshold
}

func (a *Anchorer) tracer() trace.Tracer {
	if a.Tracer != nil {
		return a.Tracer
	}
	return otel.Tracer("traceanchor")
}

func (a *Anchorer) notify(info Info) {
	for _, o := range a.Observers {
		o.Observe(info)
	}
}

func endSpan(sp trace.Span, err error) {
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, err.Error())
	}
	sp.End()
}

func rootHex(t *merkle.Tree) string {
	if t == nil {
		return ""
	}
	return t.RootHex()
}
