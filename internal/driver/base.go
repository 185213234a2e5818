package driver

import (
	"fmt"
	"sync"
)

// Base carries the bookkeeping shared by most drivers: a guarded status
// plus telemetry and output sinks. Embed it by value and call its methods from the
// concrete driver; the zero value is an uninitialised device.
type Base struct {
	mu       sync.RWMutex
	status   Status
	deviceID string
	sink     TelemetrySink
	output   OutputSink
}

// Status returns the current status.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status == "" {
		return StatusUninitialized
	}
	return b.status
}

// SetStatus records a new status.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// CheckAvailable returns an error wrapping ErrDeviceUnavailable unless the
// device is ready or busy.
func (b *Base) CheckAvailable() error {
	switch s := b.Status(); s {
	case StatusReady, StatusBusy:
		return nil
	case StatusFaulted:
		return fmt.Errorf("%w: device is faulted", ErrDeviceUnavailable)
	default:
		return fmt.Errorf("%w: device is %s", ErrDeviceUnavailable, s)
	}
}

// SetTelemetrySink implements TelemetryEmitter.
func (b *Base) SetTelemetrySink(deviceID string, sink TelemetrySink) {
	b.mu.Lock()
	b.deviceID = deviceID
	b.sink = sink
	b.mu.Unlock()
}

// EmitTelemetry forwards datum on stream to the sink, if one is attached.
func (b *Base) EmitTelemetry(stream string, datum any) {
	b.mu.RLock()
	sink, id := b.sink, b.deviceID
	b.mu.RUnlock()
	if sink != nil {
		sink.PublishTelemetry(id, stream, datum)
	}
}

// SetOutputSink implements OutputEmitter.
func (b *Base) SetOutputSink(deviceID string, sink OutputSink) {
	b.mu.Lock()
	b.deviceID = deviceID
	b.output = sink
	b.mu.Unlock()
}

// EmitOutput forwards data to the output sink, if one is attached.
func (b *Base) EmitOutput(data []byte) {
	b.mu.RLock()
	sink, id := b.output, b.deviceID
	b.mu.RUnlock()
	if sink != nil {
		sink.WriteOutput(id, data)
	}
}
