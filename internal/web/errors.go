package web

// errors.go provides unified error response handling for the API.
//
// Every error is logged with its technical detail and request ID, then
// returned to the client as core.MapError's user-facing message with the
// HTTP status that statusFor picks for it.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/bulkload/internal/core"
	"github.com/JonMunkholm/bulkload/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// badRequestError marks an error caused by the request itself.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &badRequestError{err: err}
}

// errNoFile is returned when a multipart request has no file part.
var errNoFile = errors.New("no file provided")

// statusFor picks the HTTP status for an invocation error.
func statusFor(err error) int {
	var (
		bad         *badRequestError
		tooLarge    *http.MaxBytesError
		unsupported *core.UnsupportedFormatError
		unavailable *core.EngineUnavailableError
	)
	switch {
	case errors.As(err, &bad), errors.Is(err, errNoFile):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, core.ErrTooManyInvocations):
		return http.StatusTooManyRequests
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrLoadNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail responds with the status statusFor picks for err.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, core.ErrTooManyInvocations) {
		w.Header().Set("Retry-After", "5")
	}
	respondError(w, r, err, statusFor(err))
}

// respondError logs the technical error server-side and writes the
// user-friendly JSON error.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)
	requestID := middleware.GetReqID(r.Context())

	logger := logging.FromContext(r.Context())
	args := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("request error", args...)
	} else {
		logger.Warn("request error", args...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     err.Error(),
		Message:   userMsg.Message,
		Action:    userMsg.Action,
		Code:      userMsg.Code,
		RequestID: requestID,
	})
}
