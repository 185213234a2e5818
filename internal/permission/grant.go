package permission

import (
	"math"
	"time"
)

// Wildcard matches any command, device or handler in a Rule.
const Wildcard = "*"

// Rule permits one command on a device or a system handler.
//
// A rule with SystemHandler set only matches system commands sent to that
// handler. Otherwise it matches device commands on DeviceID; PipelineID,
// when set, further restricts the rule to that pipeline.
type Rule struct {
	Command       string `json:"command"`
	DeviceID      string `json:"device_id,omitempty"`
	PipelineID    string `json:"pipeline_id,omitempty"`
	SystemHandler string `json:"system_command_handler,omitempty"`
}

// Grant is everything one user may do.
type Grant struct {
	UserID string `json:"user_id"`

	// GeneratedAt is the Unix time the grant was issued; Purge uses it to
	// expire stale grants.
	GeneratedAt float64 `json:"generated_at"`

	// IgnoreSessionProtections lets the user command devices in sessions
	// owned by other users.
	IgnoreSessionProtections bool `json:"ignore_session_protections,omitempty"`

	PermittedCommands []Rule `json:"permitted_commands"`
}

// Generated returns GeneratedAt as a time.
func (g Grant) Generated() time.Time {
	sec, frac := math.Modf(g.GeneratedAt)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Target is what a command is aimed at: a device in a pipeline, or a
// system handler.
type Target struct {
	PipelineID    string
	DeviceID      string
	SystemHandler string
}

// Allows reports whether the grant permits verb on target. It has no side
// effects.
func (g Grant) Allows(target Target, verb string) bool {
	for _, r := range g.PermittedCommands {
		if r.matches(target, verb) {
			return true
		}
	}
	return false
}

func (r Rule) matches(t Target, verb string) bool {
	if !match(r.Command, verb) {
		return false
	}
	if t.SystemHandler != "" {
		return r.DeviceID == "" && r.SystemHandler != "" && match(r.SystemHandler, t.SystemHandler)
	}
	if r.SystemHandler != "" || r.DeviceID == "" {
		return false
	}
	if !match(r.DeviceID, t.DeviceID) {
		return false
	}
	return r.PipelineID == "" || match(r.PipelineID, t.PipelineID)
}

func match(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}
