package pipeline

import (
	"maps"
	"slices"
	"time"
)

// Status is the activation state of a pipeline.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	// StatusError marks a pipeline whose last activation failed because a
	// member device was unavailable. It behaves as inactive.
	StatusError Status = "error"
)

// Spec declares a pipeline: an ordered chain of device IDs, upstream first
// (antenna, radio, modem).
type Spec struct {
	// ID is optional; a UUID is generated when empty.
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Devices     []string       `yaml:"devices" json:"devices"`
	Setup       []SetupCommand `yaml:"setup,omitempty" json:"setup,omitempty"`

	// Input receives data written by the session (uplink). Output is the
	// device whose output stream is relayed to the session (downlink).
	// They default to the first and last device of the chain.
	Input  string `yaml:"input_device,omitempty" json:"input_device,omitempty"`
	Output string `yaml:"output_device,omitempty" json:"output_device,omitempty"`
}

// withDefaults fills Input and Output from the chain ends.
func (s Spec) withDefaults() Spec {
	if len(s.Devices) == 0 {
		return s
	}
	if s.Input == "" {
		s.Input = s.Devices[0]
	}
	if s.Output == "" {
		s.Output = s.Devices[len(s.Devices)-1]
	}
	return s
}

// SetupCommand is a device command run when a session on the pipeline
// starts, for example tuning the radio to the pass frequency.
//
// Commands run in order. A command with Parallel set joins the previous
// command's group and runs concurrently with it.
type SetupCommand struct {
	DeviceID   string         `yaml:"device_id" json:"device_id"`
	Command    string         `yaml:"command" json:"command"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// DelayMS waits before sending the command.
	DelayMS int `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`

	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// ContinueOnError keeps setup going when this command fails
	// (default false: fail-fast).
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Pipeline is a snapshot of a built pipeline.
type Pipeline struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Devices     []string       `json:"devices"`
	Setup       []SetupCommand `json:"setup,omitempty"`
	Input       string         `json:"input_device"`
	Output      string         `json:"output_device"`
	Services    []ServiceInfo  `json:"services,omitempty"`
	Status      Status         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`

	// ActiveServices maps service type to the service ID chosen by the
	// session currently running on the pipeline.
	ActiveServices map[string]string `json:"active_services,omitempty"`
}

// ServiceInfo describes a service registered with a pipeline.
type ServiceInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
}

// Active reports whether the pipeline currently holds its devices.
func (p *Pipeline) Active() bool { return p.Status == StatusActive }

// HasDevice reports whether deviceID is a member of the chain.
func (p *Pipeline) HasDevice(deviceID string) bool {
	return slices.Contains(p.Devices, deviceID)
}

func (p *Pipeline) clone() *Pipeline {
	cp := *p
	cp.Devices = slices.Clone(p.Devices)
	cp.Setup = slices.Clone(p.Setup)
	cp.Services = slices.Clone(p.Services)
	cp.ActiveServices = maps.Clone(p.ActiveServices)
	if p.ActivatedAt != nil {
		t := *p.ActivatedAt
		cp.ActivatedAt = &t
	}
	return &cp
}
