package driver

import (
	"errors"
	"fmt"
)

// Domain errors for the driver package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, driver.ErrDeviceUnavailable) {
//	    // device is faulted or not initialised
//	}
var (
	// ErrDeviceUnavailable is returned by Execute when the device is faulted
	// or has not been initialised.
	ErrDeviceUnavailable = errors.New("driver: device unavailable")

	// ErrCommandFailed is returned when the device rejected or failed a command.
	ErrCommandFailed = errors.New("driver: command failed")

	// ErrUnknownCommand is returned when a driver does not implement a verb.
	ErrUnknownCommand = errors.New("driver: unknown command")

	// ErrInitFailed is returned when Initialize cannot bring the device up.
	ErrInitFailed = errors.New("driver: initialization failed")

	// ErrInvalidSetting is returned when a settings value has the wrong type.
	ErrInvalidSetting = errors.New("driver: invalid setting")

	// ErrUnknownDriver is returned when no factory is registered for a driver type.
	ErrUnknownDriver = errors.New("driver: unknown driver type")

	// ErrDuplicateDriver is returned when a driver type is registered twice.
	ErrDuplicateDriver = errors.New("driver: driver type already registered")
)

// CommandError is a device-reported command failure carrying extra context
// for the command issuer. It matches both ErrCommandFailed and its cause.
type CommandError struct {
	Verb    string
	Message string
	Data    map[string]any
	Err     error
}

// NewCommandError builds a CommandError for verb.
func NewCommandError(verb, message string, data map[string]any) *CommandError {
	return &CommandError{Verb: verb, Message: message, Data: data}
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %s: %v", e.Verb, e.Message, e.Err)
	}
	return fmt.Sprintf("command %q failed: %s", e.Verb, e.Message)
}

// Unwrap exposes ErrCommandFailed and the underlying cause to errors.Is.
func (e *CommandError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCommandFailed, e.Err}
	}
	return []error{ErrCommandFailed}
}
