package pipeline

import "errors"

// Domain errors for the pipeline package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, pipeline.ErrPipelineBusy) {
//	    // deactivate first
//	}
var (
	// ErrPipelineNotFound is returned when a pipeline ID does not exist.
	ErrPipelineNotFound = errors.New("pipeline: not found")

	// ErrDuplicatePipeline is returned when building a pipeline whose ID is taken.
	ErrDuplicatePipeline = errors.New("pipeline: already exists")

	// ErrInvalidPipeline is returned when a pipeline spec fails validation.
	ErrInvalidPipeline = errors.New("pipeline: invalid")

	// ErrUnknownDevice is returned when a topology names an unregistered device.
	ErrUnknownDevice = errors.New("pipeline: unknown device")

	// ErrDeviceAlreadyBound is returned when a device is already reserved
	// by another active pipeline.
	ErrDeviceAlreadyBound = errors.New("pipeline: device already bound")

	// ErrCyclicTopology is returned when a device appears more than once
	// in a chain.
	ErrCyclicTopology = errors.New("pipeline: cyclic topology")

	// ErrEmptyTopology is returned when a chain has no devices.
	ErrEmptyTopology = errors.New("pipeline: empty topology")

	// ErrPipelineBusy is returned when tearing down or rebuilding an
	// active pipeline.
	ErrPipelineBusy = errors.New("pipeline: busy")

	// ErrDeviceNotInPipeline is returned when a device is not a member of
	// the pipeline.
	ErrDeviceNotInPipeline = errors.New("pipeline: device not in pipeline")

	// ErrSetupFailed is returned when a session setup command aborts setup.
	ErrSetupFailed = errors.New("pipeline: setup failed")

	// ErrPipelineNotActive is returned when writing to an inactive pipeline.
	ErrPipelineNotActive = errors.New("pipeline: not active")

	// ErrInvalidService is returned when registering a service without an
	// ID or type.
	ErrInvalidService = errors.New("pipeline: invalid service")

	// ErrServiceAlreadyRegistered is returned when a pipeline already has
	// a service with the same type and ID.
	ErrServiceAlreadyRegistered = errors.New("pipeline: service already registered")

	// ErrServiceInvalid is returned when a session selects a service type
	// or ID the pipeline does not offer.
	ErrServiceInvalid = errors.New("pipeline: service selection invalid")

	// ErrServiceTypeNotFound is returned by LoadService when the running
	// session selected no service of that type.
	ErrServiceTypeNotFound = errors.New("pipeline: service type not active")
)
