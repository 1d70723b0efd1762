// Prometheus metrics for the HTTP surface
// Metrics doubles as an anchor.Observer so pipeline outcomes are scraped alongside request counts
package server

import (
	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ anchor.Observer = (*Metrics)(nil)

// Metrics holds the collectors exposed at /metrics.
type Metrics struct {
	requests *prometheus.CounterVec
	anchors  *prometheus.CounterVec
	ledger   *prometheus.CounterVec
	spans    prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traceanchor_http_requests_total",
			Help: "Total HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		anchors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traceanchor_anchors_total",
			Help: "Total anchor operations by outcome.",
		}, []string{"outcome"}),
		ledger: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traceanchor_ledger_submissions_total",
			Help: "Total ledger submissions by status.",
		}, []string{"status"}),
		spans: factory.NewCounter(prometheus.CounterOpts{
			Name: "traceanchor_spans_committed_total",
			Help: "Total spans committed into Merkle trees.",
		}),
	}
}

// Observe implements anchor.Observer.
func (m *Metrics) Observe(info anchor.Info) {
	m.anchors.WithLabelValues(info.Outcome()).Inc()
	if info.Err == nil {
		m.spans.Add(float64(info.SpanCount))
	}
	if info.Ledger.Status != "" {
		m.ledger.WithLabelValues(string(info.Ledger.Status)).Inc()
	}
}
