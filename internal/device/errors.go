package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a device ID does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrDuplicateID is returned when registering a device whose ID is taken.
	ErrDuplicateID = errors.New("device: duplicate id")

	// ErrInvalidDriver is returned when the driver type is unknown or the
	// driver instance is nil.
	ErrInvalidDriver = errors.New("device: invalid driver")

	// ErrConfigInvalid is returned when a device declaration fails validation.
	ErrConfigInvalid = errors.New("device: invalid configuration")

	// ErrDriverInit is returned when the driver failed to initialise. The
	// device stays registered as faulted.
	ErrDriverInit = errors.New("device: driver initialization failed")

	// ErrDeviceInUse is returned when reserving an exclusive device that
	// another pipeline already holds, or removing a reserved device.
	ErrDeviceInUse = errors.New("device: in use")

	// ErrInvalidStatus is returned by SetStatus for statuses that cannot be
	// set administratively.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrStreamUnsupported is returned when writing session data to a
	// device whose driver accepts no stream input.
	ErrStreamUnsupported = errors.New("device: stream input not supported")
)
