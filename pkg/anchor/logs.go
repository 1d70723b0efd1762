// LogObserver derives log records from anchor operations.
// Emits INFO for anchored traces, WARN for failed ledger submissions and ERROR for failed anchors.
package anchor

import (
	"context"
	"fmt"

	"github.com/andrewh/traceanchor/pkg/ledger"
	"go.opentelemetry.io/otel/log"
)

// LogObserver emits a log record per anchor operation.
type LogObserver struct {
	logger log.Logger
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
func NewLogObserver(lp log.LoggerProvider) *LogObserver {
	return &LogObserver{logger: lp.Logger("traceanchor")}
}

// Observe emits the records for one operation.
func (l *LogObserver) Observe(info Info) {
	attrs := []log.KeyValue{
		log.String("trace.id", info.TraceID),
		log.Int("anchor.span_count", info.SpanCount),
		log.Float64("anchor.duration_ms", float64(info.Duration.Microseconds())/1000),
	}

	if info.Err != nil {
		l.emit(log.SeverityError, "ERROR", fmt.Sprintf("anchoring %s failed: %v", info.TraceID, info.Err),
			append(attrs, log.String("error.kind", info.Outcome()))...)
		return
	}

	attrs = append(attrs,
		log.String("anchor.root", info.Root),
		log.String("ledger.status", string(info.Ledger.Status)),
	)
	l.emit(log.SeverityInfo, "INFO", fmt.Sprintf("anchored %s: %s", info.TraceID, info.Root), attrs...)

	if info.Ledger.Status == ledger.StatusFailed {
		ledgerAttrs := append(attrs, log.Int("http.response.status_code", info.Ledger.HTTPStatus))
		if info.Ledger.Body != "" {
			ledgerAttrs = append(ledgerAttrs, log.String("ledger.body", info.Ledger.Body))
		}
		l.emit(log.SeverityWarn, "WARN", fmt.Sprintf("ledger submission for %s failed: %v", info.TraceID, info.Ledger.Err),
			ledgerAttrs...)
	}
}

func (l *LogObserver) emit(sev log.Severity, text, body string, attrs ...log.KeyValue) {
	var rec log.Record
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)
	rec.SetBody(log.StringValue(body))
	rec.AddAttributes(attrs...)
	l.logger.Emit(context.Background(), rec)
}
