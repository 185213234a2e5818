package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by HWM.
const (
	MeasurementSession = "hwm_session"
	MeasurementCommand = "hwm_command"
	MeasurementDevice  = "hwm_device"
)

// WriteSessionTransition records a session entering state.
//
//	client.WriteSessionTransition("P1", "active", "", 0, at)
//
// duration is the booked window length and is only written when positive.
func (c *Client) WriteSessionTransition(pipelineID, state, reason string, duration time.Duration, at time.Time) {
	tags := map[string]string{
		"pipeline_id": pipelineID,
		"state":       state,
	}
	if reason != "" {
		tags["reason"] = reason
	}
	fields := map[string]any{"count": 1}
	if duration > 0 {
		fields["window_seconds"] = duration.Seconds()
	}
	c.writePoint(MeasurementSession, tags, fields, at)
}

// WriteCommand records one dispatched command. code is empty on success.
func (c *Client) WriteCommand(deviceID, verb, status, code string, elapsed time.Duration, at time.Time) {
	tags := map[string]string{
		"verb":   verb,
		"status": status,
	}
	if deviceID != "" {
		tags["device_id"] = deviceID
	} else {
		tags["device_id"] = "system"
	}
	if code != "" {
		tags["code"] = code
	}
	c.writePoint(MeasurementCommand, tags, map[string]any{
		"latency_ms": float64(elapsed) / float64(time.Millisecond),
	}, at)
}

// WriteDeviceStatus records a device status change.
func (c *Client) WriteDeviceStatus(deviceID, status string, at time.Time) {
	c.writePoint(MeasurementDevice,
		map[string]string{"device_id": deviceID},
		map[string]any{"status": status},
		at,
	)
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(measurement, tags, fields, time.Now())
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if c.station != "" {
		tags["station"] = c.station
	}

	// Held across the write so Close cannot shut the API underneath it.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
