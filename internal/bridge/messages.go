package bridge

import (
	"time"

	"github.com/nerrad567/hwm-core/internal/session"
)

// SessionMessage is published on every session transition.
type SessionMessage struct {
	Type     string          `json:"type"`
	Session  session.Session `json:"session"`
	Previous session.State   `json:"previous,omitempty"`
	Time     time.Time       `json:"time"`
}

// DeviceStatusMessage is the retained payload on a device status topic.
type DeviceStatusMessage struct {
	DeviceID string    `json:"device_id"`
	Status   string    `json:"status"`
	Time     time.Time `json:"time"`
}

// TelemetryMessage carries one datum produced by a driver. PipelineID is
// the active pipeline holding the device, if any.
type TelemetryMessage struct {
	DeviceID   string    `json:"device_id"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	Stream     string    `json:"stream"`
	Datum      any       `json:"datum"`
	Time       time.Time `json:"time"`
}

// StreamErrorMessage reports rejected stream input on the user's response
// topic.
type StreamErrorMessage struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}
