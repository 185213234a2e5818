package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/hwm-core/internal/auth"
	"github.com/nerrad567/hwm-core/internal/command"
	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/pipeline"
	"github.com/nerrad567/hwm-core/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorised"
	ErrCodeForbidden     = "forbidden"
	ErrCodeConflict      = "conflict"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeUnavailable   = "device_unavailable"
	ErrCodeBusy          = "pipeline_busy"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeNotConfigured = "not_configured"
)

// errorStatus maps a domain error to an HTTP status and error code.
// Order matters where an error wraps several sentinels.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrResourceConflict),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, command.ErrSessionNotActive),
		errors.Is(err, pipeline.ErrPipelineNotActive),
		errors.Is(err, pipeline.ErrDeviceAlreadyBound):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, command.ErrPermissionDenied):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, command.ErrRateLimited):
		return http.StatusTooManyRequests, ErrCodeRateLimited
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrUnknownPipeline),
		errors.Is(err, device.ErrNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, driver.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, pipeline.ErrPipelineBusy):
		return http.StatusLocked, ErrCodeBusy
	case errors.Is(err, command.ErrMalformedCommand),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, driver.ErrUnknownCommand),
		errors.Is(err, pipeline.ErrDeviceNotInPipeline),
		errors.Is(err, session.ErrInvalidInterval),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, device.ErrInvalidStatus),
		errors.Is(err, device.ErrStreamUnsupported):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, driver.ErrCommandFailed):
		return http.StatusBadGateway, command.CodeCommandFailed
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeDomainError classifies err and writes it. Internal errors are
// logged and their detail withheld.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
