package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/drivertest"
	"github.com/nerrad567/hwm-core/internal/driver/fake"
)

func readyHandle(t *testing.T, spec Spec) (*Handle, *fake.Driver) {
	t.Helper()
	d := fake.New()
	require.NoError(t, d.Initialize(context.Background(), nil))
	return newHandle(spec, d), d
}

func TestHandle_ExclusiveReservation(t *testing.T) {
	h, _ := readyHandle(t, Spec{ID: "radio-1", Driver: fake.Kind})

	require.NoError(t, h.Reserve("P1"))
	require.NoError(t, h.Reserve("P1"), "re-reserving for the same pipeline is a no-op")
	assert.Equal(t, driver.StatusBusy, h.Status())

	err := h.Reserve("P2")
	assert.ErrorIs(t, err, ErrDeviceInUse)
	assert.Contains(t, err.Error(), "P1")

	h.Release("P2") // not held
	h.Release("P1")
	h.Release("P1")
	assert.Equal(t, driver.StatusReady, h.Status())
	assert.Empty(t, h.ReservedBy())

	require.NoError(t, h.Reserve("P2"))
}

func TestHandle_ConcurrentUseReservation(t *testing.T) {
	h, _ := readyHandle(t, Spec{ID: "gps", Driver: fake.Kind, AllowConcurrentUse: true})

	require.NoError(t, h.Reserve("P1"))
	require.NoError(t, h.Reserve("P2"))
	assert.Equal(t, []string{"P1", "P2"}, h.ReservedBy())

	h.Release("P1")
	assert.Equal(t, driver.StatusBusy, h.Status())
	h.Release("P2")
	assert.Equal(t, driver.StatusReady, h.Status())
}

func TestHandle_StatusDerivation(t *testing.T) {
	h, d := readyHandle(t, Spec{ID: "radio-1", Driver: fake.Kind})

	require.NoError(t, h.Reserve("P1"))
	d.Fault()
	assert.Equal(t, driver.StatusFaulted, h.Status(), "faulted wins over busy")

	d.SetStatus(driver.StatusReady)
	h.setOverride(driver.StatusUninitialized)
	assert.Equal(t, driver.StatusUninitialized, h.Status())

	h.setOverride("")
	assert.Equal(t, driver.StatusBusy, h.Status())
}

func TestHandle_ExecuteRecoversPanic(t *testing.T) {
	mk := drivertest.NewMock().ExpectLifecycle()
	mk.On("Execute", mock.Anything, "tune", mock.Anything).Run(func(mock.Arguments) { panic("nil deref") })
	require.NoError(t, mk.Initialize(context.Background(), nil))

	h := newHandle(Spec{ID: "radio-1", Driver: "mock"}, mk)
	_, err := h.Execute(context.Background(), "tune", nil)
	assert.ErrorIs(t, err, driver.ErrCommandFailed)
}

func TestHandle_StateAndInfo(t *testing.T) {
	h, _ := readyHandle(t, Spec{ID: "radio-1", Driver: fake.Kind, Description: "UHF transceiver"})
	require.NoError(t, h.Reserve("P1"))

	state := h.State()
	assert.Equal(t, "busy", state["status"])
	assert.Contains(t, state, "calls")

	info := h.Info()
	assert.Equal(t, Info{
		ID:          "radio-1",
		Driver:      fake.Kind,
		Description: "UHF transceiver",
		Status:      driver.StatusBusy,
		ReservedBy:  []string{"P1"},
	}, info)
}

func TestValidateSpec(t *testing.T) {
	long := make([]byte, maxStringValueLen+1)
	for i := range long {
		long[i] = 'x'
	}
	deep := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": map[string]any{"e": map[string]any{}}}}}}

	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{ID: "radio-1.vhf_a", Driver: "fake"}, false},
		{"leading dash", Spec{ID: "-radio", Driver: "fake"}, true},
		{"space", Spec{ID: "radio 1", Driver: "fake"}, true},
		{"long string setting", Spec{ID: "r", Driver: "fake", Settings: driver.Settings{"k": string(long)}}, true},
		{"deep setting", Spec{ID: "r", Driver: "fake", Settings: driver.Settings{"k": deep}}, true},
		{"list setting", Spec{ID: "r", Driver: "fake", Settings: driver.Settings{"args": []any{"-m", 1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandle_WriteStream(t *testing.T) {
	ctx := context.Background()
	h, d := readyHandle(t, Spec{ID: "modem-1", Driver: fake.Kind})

	require.NoError(t, h.WriteStream(ctx, []byte("frame")))
	assert.Equal(t, [][]byte{[]byte("frame")}, d.Writes())

	d.Fault()
	assert.ErrorIs(t, h.WriteStream(ctx, []byte("frame")), driver.ErrDeviceUnavailable)
	assert.Len(t, d.Writes(), 1)
}

func TestHandle_WriteStreamUnsupported(t *testing.T) {
	mk := drivertest.NewMock().ExpectLifecycle()
	require.NoError(t, mk.Initialize(context.Background(), nil))

	h := newHandle(Spec{ID: "rotator-1", Driver: "mock"}, mk)
	assert.ErrorIs(t, h.WriteStream(context.Background(), []byte("x")), ErrStreamUnsupported)
	assert.Empty(t, h.Services())
}
