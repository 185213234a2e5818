package station

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/fake"
	"github.com/nerrad567/hwm-core/internal/pipeline"
)

const stationYAML = `
devices:
  - id: radio-1
    driver: fake
    description: UHF transceiver
    settings:
      address: 127.0.0.1:4532
      retries: 3
  - id: tracker
    driver: fake
    allow_concurrent_use: true
pipelines:
  - id: uhf-downlink
    devices: [tracker, radio-1]
    setup:
      - device_id: radio-1
        command: tune
        parameters: {frequency: 437.5}
        delay_ms: 100
`

func TestParse(t *testing.T) {
	decl, err := Parse([]byte(stationYAML))
	require.NoError(t, err)

	want := &Declarations{
		Devices: []device.Spec{
			{ID: "radio-1", Driver: "fake", Description: "UHF transceiver",
				Settings: driver.Settings{"address": "127.0.0.1:4532", "retries": 3}},
			{ID: "tracker", Driver: "fake", AllowConcurrentUse: true},
		},
		Pipelines: []pipeline.Spec{
			{ID: "uhf-downlink", Devices: []string{"tracker", "radio-1"},
				Setup: []pipeline.SetupCommand{{
					DeviceID: "radio-1", Command: "tune",
					Parameters: map[string]any{"frequency": 437.5}, DelayMS: 100,
				}}},
		},
	}
	if diff := cmp.Diff(want, decl); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Empty(t *testing.T) {
	for _, raw := range []string{"", "# nothing here\n", "devices: []\npipelines: []\n"} {
		decl, err := Parse([]byte(raw))
		require.NoError(t, err, "%q", raw)
		assert.Empty(t, decl.Devices)
		assert.Empty(t, decl.Pipelines)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad yaml", "devices: [\n"},
		{"device without driver", "devices:\n  - id: radio-1\n"},
		{"device with empty id", "devices:\n  - id: ''\n    driver: fake\n"},
		{"unknown device field", "devices:\n  - id: radio-1\n    driver: fake\n    colour: red\n"},
		{"unknown top-level key", "radios: []\n"},
		{"pipeline without devices", "pipelines:\n  - id: p1\n"},
		{"pipeline with empty devices", "pipelines:\n  - id: p1\n    devices: []\n"},
		{"setup without command", "pipelines:\n  - id: p1\n    devices: [d1]\n    setup:\n      - device_id: d1\n"},
		{"negative delay", "pipelines:\n  - id: p1\n    devices: [d1]\n    setup:\n      - device_id: d1\n        command: x\n        delay_ms: -5\n"},
		{"settings not a map", "devices:\n  - id: radio-1\n    driver: fake\n    settings: [1, 2]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, device.ErrConfigInvalid)
		})
	}
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(stationYAML+`
  - id: broken
    devices: [missing-device]
`), 0o600))

	decl, err := Load(path)
	require.NoError(t, err)

	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fake.Kind, fake.Factory()))
	devices := device.NewManager(reg)
	pipelines := pipeline.NewManager(devices)

	err = decl.Apply(context.Background(), devices, pipelines)
	require.ErrorIs(t, err, pipeline.ErrUnknownDevice)

	assert.Len(t, devices.List(), 2)
	assert.True(t, pipelines.Exists("uhf-downlink"))
	assert.False(t, pipelines.Exists("broken"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
