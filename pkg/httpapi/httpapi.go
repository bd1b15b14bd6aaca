// Package httpapi holds the request/response plumbing shared by the
// Agent and User HTTP surfaces: the standard
// error envelope, JSON helpers, and the metrics/logging wrapper every
// route goes through. go-chi/chi/v5 does the routing; the helpers
// here keep handlers to explicit Content-Type + status-code writes,
// no framework magic.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onefuzz/controlplane/pkg/metrics"
)

// ErrorCode enumerates the standard error envelope's `code` field.
type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
	CodeUnableToFind            ErrorCode = "UNABLE_TO_FIND"
	CodeInvalidJob              ErrorCode = "INVALID_JOB"
	CodeInvalidContainer        ErrorCode = "INVALID_CONTAINER"
	CodeUnableToCreate          ErrorCode = "UNABLE_TO_CREATE"
	CodeUnableToCreateContainer ErrorCode = "UNABLE_TO_CREATE_CONTAINER"
	CodeUnableToAddTaskToJob    ErrorCode = "UNABLE_TO_ADD_TASK_TO_JOB"
	CodeUnableToUpdate          ErrorCode = "UNABLE_TO_UPDATE"
	CodeTaskFailed              ErrorCode = "TASK_FAILED"
	CodeTaskCancelled           ErrorCode = "TASK_CANCELLED"
	CodeNotificationFailure     ErrorCode = "NOTIFICATION_FAILURE"
)

// ErrorEnvelope is the standard error body.
type ErrorEnvelope struct {
	Code   ErrorCode `json:"code"`
	Errors []string  `json:"errors"`
}

// ResultEnvelope is the standard success body for operations that have
// no natural resource to return.
type ResultEnvelope struct {
	Result bool `json:"result"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code ErrorCode, errs ...string) {
	WriteJSON(w, status, ErrorEnvelope{Code: code, Errors: errs})
}

// WriteResult writes the standard {result: bool} envelope.
func WriteResult(w http.ResponseWriter, ok bool) {
	WriteJSON(w, http.StatusOK, ResultEnvelope{Result: ok})
}

// DecodeJSON reads and unmarshals a JSON request body.
func DecodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// InstrumentedHandler wraps next with the request-duration/count
// metrics every route on both surfaces reports.
func InstrumentedHandler(surface, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(sw, r)
		metrics.APIRequestDuration.WithLabelValues(surface, route).Observe(time.Since(start).Seconds())
		metrics.APIRequestsTotal.WithLabelValues(surface, route, http.StatusText(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
