// Tests for the anchoring pipeline with in-process sources and ledgers
// Covers order invariance, empty traces, failure policies, encoding errors, and pipeline spans
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/andrewh/traceanchor/pkg/canon"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/andrewh/traceanchor/pkg/merkle"
	"github.com/andrewh/traceanchor/pkg/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type staticSource map[string][]span.Span

func (s staticSource) Fetch(_ context.Context, traceID string) ([]span.Span, error) {
	spans, ok := s[traceID]
	if !ok {
		return nil, anchorerr.HTTPStatus(anchorerr.KindFetchFailed, "fetch trace", 404, "not found")
	}
	return spans, nil
}

type stubLedger struct {
	mu     sync.Mutex
	result ledger.Result
	calls  []string
}

func (l *stubLedger) Submit(_ context.Context, root []byte, traceID string, _ ledger.Metadata) ledger.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s=%x", traceID, root))
	return l.result
}

type recordingObserver struct {
	mu    sync.Mutex
	infos []Info
}

func (r *recordingObserver) Observe(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
}

func t1Spans() []span.Span {
	return []span.Span{
		{"traceId": "t1", "spanId": "b", "startedAt": "2"},
		{"traceId": "t1", "spanId": "a", "startedAt": "1"},
	}
}

func TestAnchorOrderInvariance(t *testing.T) {
	t.Parallel()

	forward := t1Spans()
	reversed := []span.Span{forward[1], forward[0]}

	a1 := &Anchorer{Source: staticSource{"t1": forward}}
	a2 := &Anchorer{Source: staticSource{"t1": reversed}}

	r1, err := a1.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)
	r2, err := a2.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, r1.RootHex(), r2.RootHex())
	assert.Equal(t, 2, r1.SpanCount)
	assert.Regexp(t, `^[0-9a-f]{64}$`, r1.RootHex())

	// startedAt "1" must be the first leaf.
	first := canon.MustEncode(forward[1])
	second := canon.MustEncode(forward[0])
	want, err := merkle.Commit([][]byte{first, second})
	require.NoError(t, err)
	assert.Equal(t, want.RootHex(), r1.RootHex())
	assert.NotEmpty(t, r1.RootCID)
}

func TestAnchorEmptyTrace(t *testing.T) {
	t.Parallel()

	a := &Anchorer{Source: staticSource{"t0": {}}}
	res, err := a.Anchor(context.Background(), "t0", ledger.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, merkle.EmptyRootHex, res.RootHex())
	assert.Equal(t, 0, res.SpanCount)
}

func TestAnchorFetchFailureStopsPipeline(t *testing.T) {
	t.Parallel()

	l := &stubLedger{result: ledger.Result{Status: ledger.StatusOK}}
	a := &Anchorer{Source: staticSource{}, Ledger: l}

	res, err := a.Anchor(context.Background(), "missing", ledger.Metadata{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, anchorerr.IsKind(err, anchorerr.KindFetchFailed))
	assert.Empty(t, l.calls, "nothing is submitted after a failed fetch")
}

func TestAnchorRejectsEmptyTraceID(t *testing.T) {
	t.Parallel()

	a := &Anchorer{Source: staticSource{}}
	_, err := a.Anchor(context.Background(), "", ledger.Metadata{})
	assert.True(t, anchorerr.IsKind(err, anchorerr.KindInvalidInput))
}

func TestAnchorUnsupportedValue(t *testing.T) {
	t.Parallel()

	src := staticSource{"t1": {{"traceId": "t1", "attributes": map[string]any{"ch": make(chan int)}}}}
	l := &stubLedger{}
	a := &Anchorer{Source: src, Ledger: l}

	_, err := a.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.Error(t, err)
	assert.True(t, anchorerr.IsKind(err, anchorerr.KindUnsupportedValueType))
	assert.Contains(t, err.Error(), "span 0")
	assert.Empty(t, l.calls)
}

func TestAnchorLedgerFailureFailOpen(t *testing.T) {
	t.Parallel()

	failure := anchorerr.HTTPStatus(anchorerr.KindLedgerSubmitFailed, "submit anchor", 500, "down")
	l := &stubLedger{result: ledger.Result{Status: ledger.StatusFailed, HTTPStatus: 500, Body: "down", Err: failure}}
	a := &Anchorer{Source: staticSource{"t1": t1Spans()}, Ledger: l}

	res, err := a.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, res.Ledger.Status)
	assert.Equal(t, 500, res.Ledger.HTTPStatus)
	require.Len(t, l.calls, 1)
	assert.Equal(t, "t1="+res.RootHex(), l.calls[0])

	plain := &Anchorer{Source: staticSource{"t1": t1Spans()}}
	want, err := plain.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, want.RootHex(), res.RootHex(), "ledger outcome never changes the root")
	assert.Equal(t, ledger.StatusSkipped, want.Ledger.Status)
}

func TestAnchorLedgerFailureFailClosed(t *testing.T) {
	t.Parallel()

	failure := anchorerr.HTTPStatus(anchorerr.KindLedgerSubmitFailed, "submit anchor", 500, "down")
	l := &stubLedger{result: ledger.Result{Status: ledger.StatusFailed, HTTPStatus: 500, Err: failure}}
	a := &Anchorer{Source: staticSource{"t1": t1Spans()}, Ledger: l, Policy: FailClosed}

	res, err := a.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, anchorerr.IsKind(err, anchorerr.KindLedgerSubmitFailed))
}

func TestAnchorNotifiesObservers(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	a := &Anchorer{
		Source:    staticSource{"t1": t1Spans()},
		Ledger:    &stubLedger{result: ledger.Result{Status: ledger.StatusOK}},
		Observers: []Observer{obs},
	}

	res, err := a.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)
	_, err = a.Anchor(context.Background(), "nope", ledger.Metadata{})
	require.Error(t, err)

	require.Len(t, obs.infos, 2)
	assert.Equal(t, res.RootHex(), obs.infos[0].Root)
	assert.Equal(t, 2, obs.infos[0].SpanCount)
	assert.Equal(t, "ok", obs.infos[0].Outcome())
	assert.Equal(t, ledger.StatusOK, obs.infos[0].Ledger.Status)
	assert.Equal(t, string(anchorerr.KindFetchFailed), obs.infos[1].Outcome())
	assert.Empty(t, obs.infos[1].Root)
}

func TestAnchorRecordsPipelineSpans(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	a := &Anchorer{
		Source: staticSource{"t1": t1Spans()},
		Ledger: &stubLedger{result: ledger.Result{Status: ledger.StatusOK, HTTPStatus: 200}},
		Tracer: tp.Tracer("test"),
	}
	_, err := a.Anchor(context.Background(), "t1", ledger.Metadata{})
	require.NoError(t, err)

	names := map[string]bool{}
	var rootSpan sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		names[s.Name()] = true
		if s.Name() == "anchor" {
			rootSpan = s
		}
	}
	assert.True(t, names["anchor"])
	assert.True(t, names["fetch"])
	assert.True(t, names["commit"])
	assert.True(t, names["ledger.submit"])

	require.NotNil(t, rootSpan)
	for _, s := range sr.Ended() {
		if s.Name() != "anchor" {
			assert.Equal(t, rootSpan.SpanContext().SpanID(), s.Parent().SpanID(), "%s should be a child of anchor", s.Name())
		}
	}
}

func TestEncodeSpansParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	spans := make([]span.Span, 1000)
	for i := range spans {
		spans[i] = span.Span{
			"traceId":   "t1",
			"spanId":    fmt.Sprintf("%04d", i),
			"startedAt": fmt.Sprintf("%08d", i),
			"attrs":     map[string]any{"i": i, "even": i%2 == 0},
		}
	}

	seq, err := EncodeSpans(context.Background(), spans, len(spans)+1)
	require.NoError(t, err)
	par, err := EncodeSpans(context.Background(), spans, 1)
	require.NoError(t, err)
	assert.Equal(t, seq, par)

	fanned, err := (&Anchorer{ParallelThreshold: -1}).Commit(context.Background(), spans)
	require.NoError(t, err)
	plain, err := (&Anchorer{ParallelThreshold: 1 << 20}).Commit(context.Background(), spans)
	require.NoError(t, err)
	assert.Equal(t, plain.RootHex(), fanned.RootHex())
}

func TestEncodeSpansParallelError(t *testing.T) {
	t.Parallel()

	spans := make([]span.Span, 64)
	for i := range spans {
		spans[i] = span.Span{"spanId": fmt.Sprint(i)}
	}
	spans[40]["bad"] = struct{}{}

	_, err := EncodeSpans(context.Background(), spans, 1)
	require.Error(t, err)
	assert.True(t, anchorerr.IsKind(err, anchorerr.KindUnsupportedValueType))
	assert.Contains(t, err.Error(), "span 40")
}

func TestEncodeSpansCanceled(t *testing.T) {
	t.Parallel()

	spans := make([]span.Span, 64)
	for i := range spans {
		spans[i] = span.Span{"spanId": fmt.Sprint(i)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := EncodeSpans(ctx, spans, 1)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	p, err = ParsePolicy(" Fail-Closed ")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	_, err = ParsePolicy("maybe")
	assert.ErrorContains(t, err, "unknown ledger failure policy")
}
