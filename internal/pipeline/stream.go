package pipeline

import (
	"context"
	"fmt"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// OutputRelay receives the output stream of a pipeline's output device.
// It is called on the driver's goroutine without any manager lock held.
type OutputRelay interface {
	PipelineOutput(pipelineID string, data []byte)
}

// SetOutputRelay sets where pipeline output is delivered.
func (m *Manager) SetOutputRelay(relay OutputRelay) {
	m.mu.Lock()
	m.relay = relay
	m.mu.Unlock()
}

// Write sends session data to the pipeline's input device. The device is
// written to without the manager lock held.
//
// Returns ErrPipelineNotFound, ErrPipelineNotActive, or the device error
// (device.ErrStreamUnsupported, driver.ErrDeviceUnavailable...).
func (m *Manager) Write(ctx context.Context, pipelineID string, data []byte) error {
	m.mu.Lock()
	p, ok := m.pipelines[pipelineID]
	var active bool
	var input string
	if ok {
		active, input = p.Active(), p.Input
	}
	m.mu.Unlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	case !active:
		return fmt.Errorf("%w: %s", ErrPipelineNotActive, pipelineID)
	}

	h, err := m.devices.Get(input)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, input)
	}
	if err := h.WriteStream(ctx, data); err != nil {
		return fmt.Errorf("writing to pipeline %s input %s: %w", pipelineID, input, err)
	}
	return nil
}

// WriteOutput implements driver.OutputSink. Output from a device is passed
// to the relay once for every active pipeline that uses the device as its
// output; output from devices outside an active pipeline is dropped.
func (m *Manager) WriteOutput(deviceID string, data []byte) {
	m.mu.Lock()
	relay := m.relay
	var targets []string
	if relay != nil {
		for id, p := range m.pipelines {
			if p.Active() && p.Output == deviceID {
				targets = append(targets, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		relay.PipelineOutput(id, data)
	}
	if len(targets) == 0 {
		m.logger.Debug("device output dropped", "device_id", deviceID, "bytes", len(data))
	}
}

var _ driver.OutputSink = (*Manager)(nil)
