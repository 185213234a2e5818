package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/pipeline"
)

type streamLog struct {
	mu  sync.Mutex
	got []string
}

func (l *streamLog) SessionOutput(s Session, data []byte) {
	l.mu.Lock()
	l.got = append(l.got, s.ID+":"+string(data))
	l.mu.Unlock()
}

func (l *streamLog) outputs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func TestPipelineOutput_ReachesActiveSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"D1"}, map[string][]string{"P1": {"D1"}})
	h.devices.SetOutputSink(h.pipelines)
	h.pipelines.SetOutputRelay(h.coord)
	streams := &streamLog{}
	h.coord.AddStreamSink(streams)

	s1, err := h.coord.Request(ctx, "alice", "P1", window(10, 20))
	require.NoError(t, err)

	h.fake(t, "D1").Output([]byte("early"))
	assert.Empty(t, streams.outputs())

	h.clock.Set(at(10))
	h.coord.Tick(ctx)
	h.fake(t, "D1").Output([]byte("frame"))
	assert.Equal(t, []string{s1.ID + ":frame"}, streams.outputs())

	h.clock.Set(at(20))
	h.coord.Tick(ctx)
	h.fake(t, "D1").Output([]byte("late"))
	assert.Len(t, streams.outputs(), 1)
}

func TestRequest_WithServices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"D1"}, map[string][]string{"P1": {"D1"}})
	require.NoError(t, h.pipelines.RegisterService("P1", driver.StaticService{ID: "sgp4", Type: "tracker"}))

	_, err := h.coord.Request(ctx, "alice", "P1", window(10, 20),
		WithServices(map[string]string{"tracker": "nonexistent_service"}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, pipeline.ErrServiceInvalid)
	assert.Empty(t, h.coord.List(Filter{}), "an invalid selection creates no session")

	s1, err := h.coord.Request(ctx, "alice", "P1", window(10, 20),
		WithServices(map[string]string{"tracker": "sgp4"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tracker": "sgp4"}, s1.Services)

	h.clock.Set(at(10))
	h.coord.Tick(ctx)
	svc, err := h.pipelines.LoadService("P1", "tracker")
	require.NoError(t, err)
	assert.Equal(t, "sgp4", svc.ServiceID())

	h.clock.Set(at(20))
	h.coord.Tick(ctx)
	_, err = h.pipelines.LoadService("P1", "tracker")
	assert.ErrorIs(t, err, pipeline.ErrServiceTypeNotFound)
}

func TestTick_ServiceGoneAtActivation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"D1"}, map[string][]string{"P1": {"D1"}})
	require.NoError(t, h.pipelines.RegisterService("P1", driver.StaticService{ID: "sgp4", Type: "tracker"}))

	s1, err := h.coord.Request(ctx, "alice", "P1", window(10, 20),
		WithServices(map[string]string{"tracker": "sgp4"}))
	require.NoError(t, err)

	// A rebuild collects services from the members again, dropping sgp4.
	require.NoError(t, h.pipelines.Rebuild(ctx, pipeline.Spec{ID: "P1", Devices: []string{"D1"}}))

	h.clock.Set(at(10))
	res := h.coord.Tick(ctx)
	assert.Equal(t, TickResult{Cancelled: 1}, res)

	got, err := h.coord.Get(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, ReasonActivationFailed, got.Reason)

	p, err := h.pipelines.Get("P1")
	require.NoError(t, err)
	assert.False(t, p.Active(), "the pipeline is released again")
}
