// MetricObserver derives span count, duration and ledger submission metrics from anchor operations.
// Uses the OTel Metrics API to record measurements with outcome attributes.
package anchor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records derived metrics for each anchor operation.
type MetricObserver struct {
	spans    metric.Int64Counter
	duration metric.Float64Histogram
	ledger   metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("traceanchor")

	spans, err := meter.Int64Counter("anchor.spans",
		metric.WithDescription("Number of spans committed"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("anchor.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of anchor operations in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	submissions, err := meter.Int64Counter("ledger.submissions",
		metric.WithDescription("Number of ledger submissions by status"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{spans: spans, duration: duration, ledger: submissions}, nil
}

// Observe records metrics derived from the completed operation.
func (m *MetricObserver) Observe(info Info) {
	ctx := context.Background()
	outcome := metric.WithAttributes(attribute.String("outcome", info.Outcome()))

	m.duration.Record(ctx, float64(info.Duration)/float64(time.Millisecond), outcome)
	if info.Err == nil {
		m.spans.Add(ctx, int64(info.SpanCount))
	}
	if info.Ledger.Status != "" {
		m.ledger.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(info.Ledger.Status))))
	}
}
