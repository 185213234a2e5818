package device

import (
	"github.com/nerrad567/hwm-core/internal/driver"
)

// Spec declares one device, as read from the station file.
type Spec struct {
	ID          string          `yaml:"id" json:"id"`
	Driver      string          `yaml:"driver" json:"driver"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Settings    driver.Settings `yaml:"settings,omitempty" json:"settings,omitempty"`

	// AllowConcurrentUse lets the device sit in several active pipelines
	// at once (a shared tracker or time source, for example).
	AllowConcurrentUse bool `yaml:"allow_concurrent_use,omitempty" json:"allow_concurrent_use,omitempty"`
}

// Info is the externally visible snapshot of a device. Settings are
// omitted because they may carry credentials.
type Info struct {
	ID                 string        `json:"id"`
	Driver             string        `json:"driver"`
	Description        string        `json:"description,omitempty"`
	Status             driver.Status `json:"status"`
	AllowConcurrentUse bool          `json:"allow_concurrent_use"`
	ReservedBy         []string      `json:"reserved_by,omitempty"`
}
