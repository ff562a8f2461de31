// Package httpserver contains the REST handlers and middleware of the
// capture facade. Handlers translate between HTTP and the capture service;
// no pipeline logic lives here.
package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses and the error
// envelope. Retry-After accompanies 429 and 503 when known.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrDuplicateDifferentPayload):
		code = http.StatusConflict
		codeStr = "DUPLICATE_TRADE_ID"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrOutOfOrderTooOld):
		code = http.StatusUnprocessableEntity
		codeStr = "OUT_OF_ORDER_TOO_OLD"
	case errors.Is(err, domain.ErrGapTooLarge):
		code = http.StatusUnprocessableEntity
		codeStr = "GAP_TOO_LARGE"
	case errors.Is(err, domain.ErrIllegalTransition):
		code = http.StatusUnprocessableEntity
		codeStr = "STATE_ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrEnrichmentFailed):
		code = http.StatusUnprocessableEntity
		codeStr = "ENRICHMENT_FAILED"
	case errors.Is(err, domain.ErrRulesEval):
		code = http.StatusUnprocessableEntity
		codeStr = "RULES_EVAL_ERROR"
	case errors.Is(err, domain.ErrLockTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "LOCK_TIMEOUT"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "DEPENDENCY_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// setRetryAfter writes the Retry-After header, rounding sub-second waits up
// so clients never retry immediately.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int64(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
