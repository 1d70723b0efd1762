// Structured error taxonomy for the anchoring pipeline
// Callers branch on Kind via IsKind rather than matching error strings
package anchorerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	// KindFetchFailed means the observability service did not answer 200.
	KindFetchFailed Kind = "FetchFailed"
	// KindUnsupportedValueType means a span held a value the encoder cannot canonicalize.
	KindUnsupportedValueType Kind = "UnsupportedValueType"
	// KindLedgerSubmitFailed means the ledger answered with a non-2xx status or could not be reached.
	KindLedgerSubmitFailed Kind = "LedgerSubmitFailed"
	// KindTimeout means an outbound call hit its deadline. Timeouts are retryable.
	KindTimeout Kind = "Timeout"
	// KindInvalidInput means the caller supplied a malformed request.
	KindInvalidInput Kind = "InvalidInput"
)

// Error is the pipeline's structured error type.
//
// Status and Body are populated for errors derived from an HTTP response.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns an *Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an *Error of the given kind wrapping cause.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: cause}
}

// HTTPStatus returns an *Error carrying the status and body of a failed response.
func HTTPStatus(kind Kind, op string, status int, body string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Body: body, Msg: "unexpected status"}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsTimeout reports whether err came from a deadline expiring, either a context
// deadline or a net.Error that timed out.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
