package command

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
)

// SystemHandler serves commands that are not addressed to a device.
// Permission rules name the handler in system_command_handler.
type SystemHandler interface {
	Name() string
	Commands() []string
	Handle(ctx context.Context, cmd *Command) (driver.Result, error)
}

// StationHandlerName is the handler name of the built-in station commands.
const StationHandlerName = "station"

// Devices looks up device handles.
type Devices interface {
	Get(id string) (*device.Handle, error)
}

// StationHandler answers station_time, session_status and device_state.
type StationHandler struct {
	sessions Sessions
	devices  Devices
	now      func() time.Time
}

// NewStationHandler creates the built-in station handler. A nil now uses
// the system clock.
func NewStationHandler(sessions Sessions, devices Devices, now func() time.Time) *StationHandler {
	if now == nil {
		now = time.Now
	}
	return &StationHandler{sessions: sessions, devices: devices, now: now}
}

// Name implements SystemHandler.
func (h *StationHandler) Name() string { return StationHandlerName }

// Commands implements SystemHandler.
func (h *StationHandler) Commands() []string {
	return []string{"station_time", "session_status", "device_state"}
}

// Handle implements SystemHandler.
func (h *StationHandler) Handle(ctx context.Context, cmd *Command) (driver.Result, error) {
	switch cmd.Verb {
	case "station_time":
		now := h.now().UTC()
		return driver.Result{
			"timestamp": float64(now.UnixNano()) / float64(time.Second),
			"time":      now.Format(time.RFC3339Nano),
		}, nil

	case "session_status":
		id := cmd.SessionID
		if id == "" {
			id, _ = cmd.Parameters["session_id"].(string)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: session_status needs a session_id", ErrMalformedCommand)
		}
		s, err := h.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res := driver.Result{
			"session_id":  s.ID,
			"user_id":     s.UserID,
			"pipeline_id": s.PipelineID,
			"state":       string(s.State),
			"start":       s.Interval.Start.UTC().Format(time.RFC3339),
			"end":         s.Interval.End.UTC().Format(time.RFC3339),
		}
		if s.Reason != "" {
			res["reason"] = s.Reason
		}
		if s.SetupError != "" {
			res["setup_error"] = s.SetupError
		}
		return res, nil

	case "device_state":
		id, _ := cmd.Parameters["device_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: device_state needs parameters.device_id", ErrMalformedCommand)
		}
		dh, err := h.devices.Get(id)
		if err != nil {
			return nil, err
		}
		return driver.Result{"device_id": id, "state": dh.State()}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Verb)
}
