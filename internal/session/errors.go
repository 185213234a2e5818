package session

import "errors"

// Domain errors for the session package.
var (
	// ErrSessionNotFound is returned when a session ID does not exist.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidInterval is returned when a requested window is empty,
	// reversed or starts in the past.
	ErrInvalidInterval = errors.New("session: invalid interval")

	// ErrInvalidRequest is returned when a request is missing its user or
	// pipeline.
	ErrInvalidRequest = errors.New("session: invalid request")

	// ErrUnknownPipeline is returned when a request names a pipeline that
	// has not been built.
	ErrUnknownPipeline = errors.New("session: unknown pipeline")

	// ErrResourceConflict is returned when a request overlaps a scheduled
	// or active session on the same pipeline.
	ErrResourceConflict = errors.New("session: resource conflict")

	// ErrInvalidTransition is returned for a state change the session
	// state machine does not allow. No state is changed.
	ErrInvalidTransition = errors.New("session: invalid transition")
)
