package command

import (
	"context"
	"errors"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/pipeline"
	"github.com/nerrad567/hwm-core/internal/session"
)

var (
	// ErrMalformedCommand is returned when a command cannot be decoded or
	// does not match the command schema.
	ErrMalformedCommand = errors.New("command: malformed command")

	// ErrSessionNotActive is returned when a device command targets a
	// session that is not active.
	ErrSessionNotActive = errors.New("command: session not active")

	// ErrPermissionDenied is returned when the user may not run the command.
	ErrPermissionDenied = errors.New("command: permission denied")

	// ErrRateLimited is returned when a user sends commands faster than allowed.
	ErrRateLimited = errors.New("command: rate limited")

	// ErrUnknownCommand is returned when no system handler serves a verb.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrDuplicateHandler is returned when two system handlers claim a verb.
	ErrDuplicateHandler = errors.New("command: duplicate handler")
)

// Error codes carried in error responses.
const (
	CodeMalformed         = "malformed_command"
	CodeSessionNotFound   = "session_not_found"
	CodeSessionNotActive  = "session_not_active"
	CodeNotInPipeline     = "device_not_in_pipeline"
	CodePermissionDenied  = "permission_denied"
	CodeRateLimited       = "rate_limited"
	CodeUnknownCommand    = "unknown_command"
	CodeDeviceUnavailable = "device_unavailable"
	CodeStreamUnsupported = "stream_unsupported"
	CodeCommandFailed     = "command_failed"
	CodeNotFound          = "not_found"
	CodeCancelled         = "cancelled"
	CodeInternal          = "internal_error"
)

// ErrorCode classifies err for a response envelope.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCommand):
		return CodeMalformed
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	case errors.Is(err, pipeline.ErrDeviceNotInPipeline):
		return CodeNotInPipeline
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, device.ErrNotFound), errors.Is(err, pipeline.ErrPipelineNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, driver.ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, device.ErrStreamUnsupported):
		return CodeStreamUnsupported
	case errors.Is(err, driver.ErrDeviceUnavailable), errors.Is(err, pipeline.ErrPipelineNotActive):
		return CodeDeviceUnavailable
	case errors.Is(err, driver.ErrCommandFailed):
		return CodeCommandFailed
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
