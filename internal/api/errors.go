package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"lcc-server/internal/domain"
	"lcc-server/internal/middleware"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var accessDenied *domain.AccessDeniedError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var precondition *domain.FailedPreconditionError
	var outOfBounds *domain.OutOfBoundsError
	var notImplemented *domain.NotImplementedError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &precondition):
		return http.StatusPreconditionFailed
	case errors.As(err, &outOfBounds):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.As(err, &notImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is the JSON body of every error response.
type Error struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an Error body. Unmapped errors are logged and
// reported without their message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := httpStatusFromDomainError(err)
	msg := err.Error()
	reqID := middleware.RequestIDFromContext(r.Context())
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err, "request_id", reqID)
		msg = "internal server error"
	}
	writeJSON(w, code, Error{Code: code, Message: msg, RequestID: reqID})
}
