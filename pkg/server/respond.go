package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/andrewh/traceanchor/pkg/anchorerr"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": w.Header().Get(requestIDHeader),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	writeJSON(w, status, resp)
}

var kindCodes = map[anchorerr.Kind]string{
	anchorerr.KindInvalidInput:         "INVALID_INPUT",
	anchorerr.KindFetchFailed:          "FETCH_FAILED",
	anchorerr.KindTimeout:              "TIMEOUT",
	anchorerr.KindUnsupportedValueType: "UNSUPPORTED_VALUE_TYPE",
	anchorerr.KindLedgerSubmitFailed:   "LEDGER_SUBMIT_FAILED",
}

// KindStatus reports the HTTP status the server uses for an error kind.
func KindStatus(kind anchorerr.Kind) int {
	switch kind {
	case anchorerr.KindInvalidInput:
		return http.StatusBadRequest
	case anchorerr.KindFetchFailed, anchorerr.KindLedgerSubmitFailed:
		return http.StatusBadGateway
	case anchorerr.KindTimeout:
		return http.StatusGatewayTimeout
	case anchorerr.KindUnsupportedValueType:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeAnchorError maps an error kind onto a status and error code. Errors
// derived from an upstream response carry its status and body as details.
func writeAnchorError(w http.ResponseWriter, err error) {
	kind := anchorerr.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = "INTERNAL"
	}

	var details any
	var ae *anchorerr.Error
	if errors.As(err, &ae) && ae.Status != 0 {
		details = map[string]any{"upstream_status": ae.Status, "upstream_body": ae.Body}
	}
	writeError(w, KindStatus(kind), code, err.Error(), details)
}
