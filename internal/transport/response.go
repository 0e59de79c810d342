// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the portal API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes. Provider and
// auth failures surface as gateway errors: the portal is healthy, the
// upstream is not.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrValidationError:    http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrRecordStore:        http.StatusInternalServerError,
	model.ErrAuthFailed:         http.StatusBadGateway,
	model.ErrProviderError:      http.StatusBadGateway,
	model.ErrConsentRequired:    http.StatusServiceUnavailable,
	model.ErrBackendUnavailable: http.StatusServiceUnavailable,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the mapped HTTP
// status. Anything that is not an *ErrorEnvelope becomes a generic 500.
// Upstream status and body never reach the caller; they are logged here
// against the trace id that does.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	if ee.TraceID == "" {
		ee.TraceID = CorrelationIDFrom(r.Context())
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	logger := observability.LoggerFrom(r.Context(), zap.NewNop())
	fields := []zap.Field{
		zap.String("code", ee.Code),
		zap.Int("status", status),
		zap.String("path", r.URL.Path),
		zap.String("trace_id", ee.TraceID),
	}
	if ee.UpstreamStatus != 0 {
		fields = append(fields, zap.Int("upstream_status", ee.UpstreamStatus))
	}
	if ee.UpstreamBody != "" {
		fields = append(fields, zap.String("upstream_body", truncate(ee.UpstreamBody, 2048)))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Warn("request rejected", fields...)
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewForbiddenError(msg))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
