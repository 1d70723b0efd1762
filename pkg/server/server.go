// HTTP surface for the anchoring pipeline
// Routes: POST /anchor-trace, POST /compute-merkle-root, GET /healthz, GET /metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/andrewh/traceanchor/pkg/tracefetch"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// maxRequestBody caps inbound bodies; span lists for compute-merkle-root can be large.
	maxRequestBody = 64 * 1024 * 1024 // 64 MB

	ledgerStatusHeader = "X-Ledger-Status"
)

// Server serves the anchoring endpoints.
type Server struct {
	anchorer *anchor.Anchorer
	gatherer prometheus.Gatherer
	metrics  *Metrics
}

// New returns a Server. metrics may be nil; gatherer backs /metrics.
func New(a *anchor.Anchorer, gatherer prometheus.Gatherer, metrics *Metrics) *Server {
	return &Server{anchorer: a, gatherer: gatherer, metrics: metrics}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/anchor-trace", s.anchorTrace)
	r.Post("/compute-merkle-root", s.computeRoot)

	return otelhttp.NewHandler(r, "traceanchor",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Run serves on addr until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type anchorRequest struct {
	TraceID string `json:"trace_id"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

type rootResponse struct {
	TraceID       string `json:"trace_id,omitempty"`
	MerkleRoot    string `json:"merkle_root"`
	MerkleRootCID string `json:"merkle_root_cid"`
	SpanCount     int    `json:"span_count"`
}

// anchorTrace answers with the root. The ledger outcome travels in the
// X-Ledger-Status header so the body depends only on the trace.
func (s *Server) anchorTrace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req anchorRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.TraceID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "trace_id is required", nil)
		return
	}

	res, err := s.anchorer.Anchor(r.Context(), req.TraceID, ledger.Metadata{AgentID: req.AgentID, RunID: req.RunID})
	if err != nil {
		writeAnchorError(w, err)
		return
	}

	w.Header().Set(ledgerStatusHeader, string(res.Ledger.Status))
	if res.Ledger.HTTPStatus != 0 {
		w.Header().Set("X-Ledger-Http-Status", strconv.Itoa(res.Ledger.HTTPStatus))
	}
	writeJSON(w, http.StatusOK, rootResponse{
		TraceID:       res.TraceID,
		MerkleRoot:    res.RootHex(),
		MerkleRootCID: res.RootCID,
		SpanCount:     res.SpanCount,
	})
}

// computeRoot commits the posted spans without fetching or submitting.
func (s *Server) computeRoot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		if tooLarge := new(http.MaxBytesError); errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("reading body: %v", err), nil)
		return
	}
	spans, err := tracefetch.DecodeSpans(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	tree, err := s.anchorer.Commit(r.Context(), spans)
	if err != nil {
		writeAnchorError(w, err)
		return
	}
	cid, err := tree.RootCID()
	if err != nil {
		writeAnchorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rootResponse{
		MerkleRoot:    tree.RootHex(),
		MerkleRootCID: cid,
		SpanCount:     tree.Size(),
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
