package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/fake"
)

// fixture registers one fake driver per spec and returns both managers.
func fixture(t *testing.T, specs ...device.Spec) (*Manager, *device.Manager) {
	t.Helper()
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fake.Kind, fake.Factory()))
	devices := device.NewManager(reg)
	for _, s := range specs {
		if s.Driver == "" {
			s.Driver = fake.Kind
		}
		_, err := devices.Register(context.Background(), s)
		require.NoError(t, err)
	}
	return NewManager(devices), devices
}

func dev(id string) device.Spec { return device.Spec{ID: id} }

func fakeDriver(t *testing.T, devices *device.Manager, id string) *fake.Driver {
	t.Helper()
	h, err := devices.Get(id)
	require.NoError(t, err)
	return h.Driver().(*fake.Driver)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("antenna"), dev("radio"), dev("modem"))

	id, err := m.Build(ctx, Spec{ID: "downlink", Devices: []string{"antenna", "radio", "modem"}})
	require.NoError(t, err)
	assert.Equal(t, "downlink", id)

	p, err := m.Get("downlink")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, p.Status)
	assert.Equal(t, []string{"antenna", "radio", "modem"}, p.Devices)

	generated, err := m.Build(ctx, Spec{Devices: []string{"radio"}})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	assert.True(t, m.Exists(generated))
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("antenna"), dev("radio"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"radio"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"empty topology", Spec{ID: "P2"}, ErrEmptyTopology},
		{"repeated device", Spec{ID: "P2", Devices: []string{"antenna", "radio", "antenna"}}, ErrCyclicTopology},
		{"unknown device", Spec{ID: "P2", Devices: []string{"antenna", "modem"}}, ErrUnknownDevice},
		{"duplicate id", Spec{ID: "P1", Devices: []string{"antenna"}}, ErrDuplicatePipeline},
		{"bad id", Spec{ID: "P 2", Devices: []string{"antenna"}}, ErrInvalidPipeline},
		{
			"setup targets non-member",
			Spec{ID: "P2", Devices: []string{"antenna"}, Setup: []SetupCommand{{DeviceID: "radio", Command: "tune"}}},
			ErrDeviceNotInPipeline,
		},
		{
			"setup without command",
			Spec{ID: "P2", Devices: []string{"antenna"}, Setup: []SetupCommand{{DeviceID: "antenna"}}},
			ErrInvalidPipeline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Build(ctx, tt.spec)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, m.Exists("P2"))
		})
	}
}

func TestBuildRejectsDeviceBoundToActivePipeline(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("D1"), device.Spec{ID: "clock", AllowConcurrentUse: true})

	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"D1", "clock"}})
	require.NoError(t, err)
	require.NoError(t, m.Activate("P1"))

	_, err = m.Build(ctx, Spec{ID: "P2", Devices: []string{"D1"}})
	assert.ErrorIs(t, err, ErrDeviceAlreadyBound)

	_, err = m.Build(ctx, Spec{ID: "P3", Devices: []string{"clock"}})
	assert.NoError(t, err, "concurrent-use devices can join other pipelines")
}

func TestActivateDeactivate(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("D1"), dev("D2"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"D1"}})
	require.NoError(t, err)
	_, err = m.Build(ctx, Spec{ID: "P2", Devices: []string{"D2", "D1"}})
	require.NoError(t, err)

	require.NoError(t, m.Activate("P1"))
	require.NoError(t, m.Activate("P1"), "activating twice is a no-op")

	p, _ := m.Get("P1")
	assert.True(t, p.Active())
	assert.NotNil(t, p.ActivatedAt)

	h, _ := devices.Get("D1")
	assert.Equal(t, driver.StatusBusy, h.Status())
	bound, ok := m.BoundPipeline("D1")
	assert.True(t, ok)
	assert.Equal(t, "P1", bound)

	err = m.Activate("P2")
	assert.ErrorIs(t, err, ErrDeviceAlreadyBound)
	d2, _ := devices.Get("D2")
	assert.False(t, d2.Reserved(), "partial reservation must be rolled back")
	p2, _ := m.Get("P2")
	assert.Equal(t, StatusInactive, p2.Status)

	require.NoError(t, m.Deactivate("P1"))
	require.NoError(t, m.Deactivate("P1"), "deactivating twice is a no-op")
	assert.Equal(t, driver.StatusReady, h.Status())
	_, ok = m.BoundPipeline("D1")
	assert.False(t, ok)

	require.NoError(t, m.Activate("P2"))
	assert.Equal(t, []string{"P2"}, h.ReservedBy())

	assert.ErrorIs(t, m.Activate("nope"), ErrPipelineNotFound)
	assert.ErrorIs(t, m.Deactivate("nope"), ErrPipelineNotFound)
}

func TestActivateConcurrentUseDevice(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("rx1"), dev("rx2"), device.Spec{ID: "gpsdo", AllowConcurrentUse: true})
	_, err := m.Build(ctx, Spec{ID: "A", Devices: []string{"gpsdo", "rx1"}})
	require.NoError(t, err)
	_, err = m.Build(ctx, Spec{ID: "B", Devices: []string{"gpsdo", "rx2"}})
	require.NoError(t, err)

	require.NoError(t, m.Activate("A"))
	require.NoError(t, m.Activate("B"))

	h, _ := devices.Get("gpsdo")
	assert.Equal(t, []string{"A", "B"}, h.ReservedBy())

	require.NoError(t, m.Deactivate("A"))
	assert.Equal(t, []string{"B"}, h.ReservedBy())
}

func TestActivateFaultedMember(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("D1"), dev("D2"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"D1", "D2"}})
	require.NoError(t, err)

	require.NoError(t, devices.SetStatus("D2", driver.StatusFaulted))
	err = m.Activate("P1")
	assert.ErrorIs(t, err, driver.ErrDeviceUnavailable)

	p, _ := m.Get("P1")
	assert.Equal(t, StatusError, p.Status)
	assert.Contains(t, p.LastError, "D2")
	d1, _ := devices.Get("D1")
	assert.False(t, d1.Reserved())

	require.NoError(t, devices.SetStatus("D2", driver.StatusReady))
	require.NoError(t, m.Activate("P1"))
	p, _ = m.Get("P1")
	assert.Equal(t, StatusActive, p.Status)
	assert.Empty(t, p.LastError)
}

func TestActivateAfterMemberRemoved(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("antenna"), dev("radio"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"antenna", "radio"}})
	require.NoError(t, err)

	require.NoError(t, devices.Remove(ctx, "radio"))

	err = m.Activate("P1")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	antenna, err := devices.Get("antenna")
	require.NoError(t, err)
	assert.False(t, antenna.Reserved(), "a failed activation releases what it took")
}

func TestTeardownAndRebuild(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("D1"), dev("D2"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"D1"}})
	require.NoError(t, err)
	require.NoError(t, m.Activate("P1"))

	assert.ErrorIs(t, m.Teardown("P1"), ErrPipelineBusy)
	assert.ErrorIs(t, m.Rebuild(ctx, Spec{ID: "P1", Devices: []string{"D2"}}), ErrPipelineBusy)

	require.NoError(t, m.Deactivate("P1"))
	require.NoError(t, m.Rebuild(ctx, Spec{ID: "P1", Devices: []string{"D2", "D1"}}))
	p, _ := m.Get("P1")
	assert.Equal(t, []string{"D2", "D1"}, p.Devices)

	require.NoError(t, m.Teardown("P1"))
	assert.False(t, m.Exists("P1"))
	assert.ErrorIs(t, m.Teardown("P1"), ErrPipelineNotFound)
	assert.ErrorIs(t, m.Rebuild(ctx, Spec{ID: "P1", Devices: []string{"D1"}}), ErrPipelineNotFound)
}

func TestMember(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("D1"), dev("D2"))
	_, err := m.Build(ctx, Spec{ID: "P1", Devices: []string{"D1"}})
	require.NoError(t, err)

	h, err := m.Member("P1", "D1")
	require.NoError(t, err)
	assert.Equal(t, "D1", h.ID())

	_, err = m.Member("P1", "D2")
	assert.ErrorIs(t, err, ErrDeviceNotInPipeline)
	_, err = m.Member("P9", "D1")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestListAndObserver(t *testing.T) {
	ctx := context.Background()
	m, _ := fixture(t, dev("D1"), dev("D2"))

	var seen []Status
	m.SetObserver(func(p Pipeline) { seen = append(seen, p.Status) })

	require.NoError(t, m.BuildAll(ctx, []Spec{
		{ID: "b", Devices: []string{"D2"}},
		{ID: "a", Devices: []string{"D1"}},
	}))
	require.NoError(t, m.Activate("a"))
	require.NoError(t, m.Deactivate("a"))

	var ids []string
	for _, p := range m.List() {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Status{StatusActive, StatusInactive}, seen)
}

func TestBuildAllCollectsErrors(t *testing.T) {
	m, _ := fixture(t, dev("D1"))
	err := m.BuildAll(context.Background(), []Spec{
		{ID: "ok", Devices: []string{"D1"}},
		{ID: "bad", Devices: []string{"ghost"}},
		{ID: "empty"},
	})
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, err, ErrEmptyTopology)
	assert.True(t, m.Exists("ok"))
}

// Many goroutines race to activate pipelines that share devices; a device
// must never end up reserved by two pipelines.
func TestActivateNeverDoubleBooksDevice(t *testing.T) {
	ctx := context.Background()
	m, devices := fixture(t, dev("D1"), dev("D2"), dev("D3"))
	topologies := [][]string{{"D1"}, {"D1", "D2"}, {"D2", "D3"}, {"D3", "D1"}, {"D2"}, {"D3"}}
	for i, topo := range topologies {
		_, err := m.Build(ctx, Spec{ID: fmt.Sprintf("P%d", i), Devices: topo})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for i := range topologies {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := m.Activate(id); err == nil {
					_ = m.Deactivate(id) //nolint:errcheck // exists
				} else if !errors.Is(err, ErrDeviceAlreadyBound) {
					t.Errorf("Activate(%s) unexpected error: %v", id, err)
				}
			}(fmt.Sprintf("P%d", i))
		}

		// Check the invariant while activations are in flight.
		for _, id := range []string{"D1", "D2", "D3"} {
			h, _ := devices.Get(id)
			if holders := h.ReservedBy(); len(holders) > 1 {
				t.Fatalf("device %s reserved by %v", id, holders)
			}
		}
	}
	wg.Wait()

	for _, p := range m.List() {
		assert.False(t, p.Active(), "pipeline %s left active", p.ID)
	}
}
