package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareSession(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("antenna"), dev("radio"))
	_, err := m.Build(ctx, Spec{
		ID:      "P1",
		Devices: []string{"antenna", "radio"},
		Setup: []SetupCommand{
			{DeviceID: "radio", Command: "set_frequency", Parameters: map[string]any{"hz": 437_800_000}},
			{DeviceID: "antenna", Command: "park", Parallel: true},
			{DeviceID: "radio", Command: "set_mode", Parameters: map[string]any{"mode": "FM"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Activate("P1"))

	report, err := m.PrepareSession(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Completed)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Aborted)

	radio := fakeDriver(t, devices, "radio")
	antenna := fakeDriver(t, devices, "antenna")
	assert.Equal(t, []string{"P1"}, radio.Prepared())
	assert.Equal(t, []string{"P1"}, antenna.Prepared())

	calls := radio.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "set_frequency", calls[0].Verb)
	assert.Equal(t, 437_800_000, calls[0].Args["hz"])
	assert.Equal(t, "set_mode", calls[1].Verb)
	assert.Equal(t, 1, antenna.CallCount("park"))
}

func TestPrepareSessionAbortsOnFailure(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("radio"))
	_, err := m.Build(ctx, Spec{
		ID:      "P1",
		Devices: []string{"radio"},
		Setup: []SetupCommand{
			{DeviceID: "radio", Command: "set_frequency"},
			{DeviceID: "radio", Command: "set_mode"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.Activate("P1"))

	radio := fakeDriver(t, devices, "radio")
	radio.FailOn("set_frequency", errors.New("out of band"))

	report, err := m.PrepareSession(ctx, "P1")
	assert.ErrorIs(t, err, ErrSetupFailed)
	assert.ErrorContains(t, err, "radio set_frequency: out of band")
	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, SetupFailure{Index: 0, DeviceID: "radio", Command: "set_frequency", Error: "out of band"}, report.Failures[0])
	assert.Zero(t, radio.CallCount("set_mode"))
}

func TestPrepareSessionContinueOnError(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("radio"))
	_, err := m.Build(ctx, Spec{
		ID:      "P1",
		Devices: []string{"radio"},
		Setup: []SetupCommand{
			{DeviceID: "radio", Command: "set_vfo", ContinueOnError: true},
			{DeviceID: "radio", Command: "set_mode"},
		},
	})
	require.NoError(t, err)

	radio := fakeDriver(t, devices, "radio")
	radio.FailOn("set_vfo", errors.New("no such vfo"))

	report, err := m.PrepareSession(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, radio.CallCount("set_mode"))
}

func TestCleanupSession(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("antenna"), dev("radio"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"antenna", "radio"}})
	require.NoError(t, err)

	require.NoError(t, m.CleanupSession(ctx, "P1"))
	assert.Equal(t, 1, fakeDriver(t, devices, "antenna").Cleanups())
	assert.Equal(t, 1, fakeDriver(t, devices, "radio").Cleanups())

	assert.ErrorIs(t, m.CleanupSession(ctx, "nope"), ErrPipelineNotFound)
	_, err = m.PrepareSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestGroupSetup(t *testing.T) {
	a := SetupCommand{Command: "a"}
	b := SetupCommand{Command: "b", Parallel: true}
	c := SetupCommand{Command: "c", Parallel: true}
	d := SetupCommand{Command: "d"}

	tests := []struct {
		name string
		in   []SetupCommand
		want [][]SetupCommand
	}{
		{"empty", nil, nil},
		{"single", []SetupCommand{a}, [][]SetupCommand{{a}}},
		{"sequential", []SetupCommand{a, d}, [][]SetupCommand{{a}, {d}}},
		{"mixed", []SetupCommand{a, b, c, d}, [][]SetupCommand{{a, b, c}, {d}}},
		{"parallel first is still first group", []SetupCommand{b, a}, [][]SetupCommand{{b}, {a}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, groupSetup(tt.in))
		})
	}
}
