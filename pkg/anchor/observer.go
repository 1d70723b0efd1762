// Observer interface for deriving signals (metrics, logs) from anchor operations.
// Observers receive a summary after each anchor completes, successfully or not.
package anchor

import (
	"time"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/andrewh/traceanchor/pkg/ledger"
)

// Info summarizes one anchor operation.
type Info struct {
	TraceID   string
	SpanCount int
	Duration  time.Duration
	Root      string
	Ledger    ledger.Result
	Err       error
}

// Outcome classifies the operation for metric attributes: "ok" or the error kind.
func (i Info) Outcome() string {
	if i.Err == nil {
		return "ok"
	}
	if k := anchorerr.KindOf(i.Err); k != "" {
		return string(k)
	}
	return "error"
}

// Observer receives a summary after each anchor operation.
type Observer interface {
	Observe(info Info)
}
