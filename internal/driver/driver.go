package driver

import (
	"context"
)

// Status is the lifecycle state of a device as reported by its driver.
type Status string

// Device statuses.
const (
	StatusUninitialized Status = "uninitialized"
	StatusReady         Status = "ready"
	StatusBusy          Status = "busy"
	StatusFaulted       Status = "faulted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUninitialized, StatusReady, StatusBusy, StatusFaulted:
		return true
	}
	return false
}

// Settings is the opaque configuration passed verbatim to Initialize.
type Settings map[string]any

// Args holds command arguments.
type Args map[string]any

// Result is the structured outcome of a command.
type Result map[string]any

// Driver is the capability contract every device implementation satisfies.
//
// Drivers must be safe for concurrent use. Execute must fail with an error
// wrapping ErrDeviceUnavailable when Status is StatusFaulted.
type Driver interface {
	// Initialize brings the device up using its declared settings.
	Initialize(ctx context.Context, settings Settings) error

	// Execute runs one verb against the device.
	Execute(ctx context.Context, verb string, args Args) (Result, error)

	// Status reports the current device status.
	Status() Status

	// Shutdown releases the device. It must be safe to call more than once.
	Shutdown(ctx context.Context) error
}

// StateReporter is implemented by drivers that expose a snapshot of their
// internal state (current frequency, pointing, lock status...).
type StateReporter interface {
	State() map[string]any
}

// SessionPreparer is implemented by drivers that need to reset or
// configure the device before a session on pipelineID starts.
type SessionPreparer interface {
	PrepareForSession(ctx context.Context, pipelineID string) error
}

// SessionCleaner is implemented by drivers that need to restore the device
// after a session ends.
type SessionCleaner interface {
	CleanupAfterSession(ctx context.Context) error
}

// TelemetrySink receives telemetry produced by drivers.
type TelemetrySink interface {
	PublishTelemetry(deviceID, stream string, datum any)
}

// TelemetryEmitter is implemented by drivers that produce telemetry.
type TelemetryEmitter interface {
	SetTelemetrySink(deviceID string, sink TelemetrySink)
}

// StreamWriter is implemented by drivers that accept session input data,
// such as a modulator fed with a frame stream.
type StreamWriter interface {
	WriteStream(ctx context.Context, data []byte) error
}

// OutputSink receives data produced by a device on its output stream.
type OutputSink interface {
	WriteOutput(deviceID string, data []byte)
}

// OutputEmitter is implemented by drivers that produce output data.
type OutputEmitter interface {
	SetOutputSink(deviceID string, sink OutputSink)
}

// Service is a named capability a device offers to the other members of
// its pipeline, for example a frequency translator used by a tracker.
type Service interface {
	ServiceID() string
	ServiceType() string
}

// ServiceProvider is implemented by drivers that offer services.
type ServiceProvider interface {
	Services() []Service
}

// ServiceLocator resolves the service of a given type chosen for the
// session currently running on a pipeline.
type ServiceLocator interface {
	LoadService(pipelineID, serviceType string) (Service, error)
}

// ServiceUser is implemented by drivers that consume services.
type ServiceUser interface {
	SetServiceLocator(locator ServiceLocator)
}

// StaticService is a Service with fixed identity.
type StaticService struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
}

// ServiceID implements Service.
func (s StaticService) ServiceID() string { return s.ID }

// ServiceType implements Service.
func (s StaticService) ServiceType() string { return s.Type }
