package mqtt

import "strings"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "hwm"

// Topics builds the station's MQTT topics under a configurable prefix so
// several stations can share one broker.
//
//	t := mqtt.NewTopics("gs-north")
//	t.SessionEvent("ses-1") // "gs-north/session/ses-1/event"
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix (DefaultTopicPrefix when empty).
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

func (t Topics) join(parts ...string) string {
	return t.Prefix() + "/" + strings.Join(parts, "/")
}

// SystemStatus is the retained online/offline topic.
//
// Example: hwm/system/status
func (t Topics) SystemStatus() string { return t.join("system", "status") }

// SessionEvent carries lifecycle transitions for one session.
//
// Example: hwm/session/ses-1/event
func (t Topics) SessionEvent(sessionID string) string {
	return t.join("session", sessionID, "event")
}

// AllSessionEvents matches every session's event topic.
func (t Topics) AllSessionEvents() string { return t.join("session", "+", "event") }

// SessionOutput carries the raw output stream of a session's pipeline.
//
// Example: hwm/session/ses-1/output
func (t Topics) SessionOutput(sessionID string) string {
	return t.join("session", sessionID, "output")
}

// StreamInput is where a user publishes raw data for the input device of
// their active session.
//
// Example: hwm/stream/alice/ses-1
func (t Topics) StreamInput(userID, sessionID string) string {
	return t.join("stream", userID, sessionID)
}

// AllStreamInputs matches stream input from every user and session.
func (t Topics) AllStreamInputs() string { return t.join("stream", "+", "+") }

// DeviceStatus is the retained status topic for a device.
//
// Example: hwm/device/radio-1/status
func (t Topics) DeviceStatus(deviceID string) string {
	return t.join("device", deviceID, "status")
}

// Telemetry carries live data produced by a device driver.
//
// Example: hwm/telemetry/radio-1/frequency
func (t Topics) Telemetry(deviceID, stream string) string {
	return t.join("telemetry", deviceID, stream)
}

// AllTelemetry matches every telemetry stream.
func (t Topics) AllTelemetry() string { return t.join("telemetry", "#") }

// Command is where a user publishes commands for their active session.
//
// Example: hwm/command/alice
func (t Topics) Command(userID string) string { return t.join("command", userID) }

// AllCommands matches commands from every user.
func (t Topics) AllCommands() string { return t.join("command", "+") }

// CommandResponse is where the response to a published command goes.
//
// Example: hwm/response/alice
func (t Topics) CommandResponse(userID string) string { return t.join("response", userID) }

// DriverRequest is where a remote driver agent receives requests.
//
// Example: hwm/driver/modem-1/request
func (t Topics) DriverRequest(deviceID string) string {
	return t.join("driver", deviceID, "request")
}

// DriverResponse is where a remote driver agent answers.
//
// Example: hwm/driver/modem-1/response
func (t Topics) DriverResponse(deviceID string) string {
	return t.join("driver", deviceID, "response")
}

// LastSegments returns the final n path elements of topic, or nil when
// the topic has fewer.
func LastSegments(topic string, n int) []string {
	parts := strings.Split(topic, "/")
	if n <= 0 || len(parts) < n {
		return nil
	}
	return parts[len(parts)-n:]
}

// LastSegment returns the final path element of topic.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
