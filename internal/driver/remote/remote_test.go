package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/drivertest"
	"github.com/nerrad567/hwm-core/internal/infrastructure/mqtt"
)

// agentFunc answers one request.
type agentFunc func(Request) Response

// loopback is an in-memory broker connecting the driver to an agent.
type loopback struct {
	topics mqtt.Topics
	codec  codec
	agent  agentFunc

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	requests []Request
	silent   bool
}

func newLoopback(agent agentFunc) *loopback {
	return &loopback{
		topics:   mqtt.NewTopics("test"),
		codec:    jsonCodec{},
		agent:    agent,
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

func (l *loopback) Publish(topic string, payload []byte, _ byte, _ bool) error {
	var req Request
	if err := l.codec.Unmarshal(payload, &req); err != nil {
		return err
	}
	agentID := mqtt.LastSegment(topic[:len(topic)-len("/request")])

	l.mu.Lock()
	l.requests = append(l.requests, req)
	silent := l.silent
	handler := l.handlers[l.topics.DriverResponse(agentID)]
	l.mu.Unlock()

	if silent || handler == nil {
		return nil
	}
	resp := l.agent(req)
	resp.ID = req.ID
	out, err := l.codec.Marshal(resp)
	if err != nil {
		return err
	}
	go handler(l.topics.DriverResponse(agentID), out) //nolint:errcheck // test broker
	return nil
}

func (l *loopback) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	l.mu.Lock()
	l.handlers[topic] = handler
	l.mu.Unlock()
	return nil
}

func (l *loopback) Unsubscribe(topic string) error {
	l.mu.Lock()
	delete(l.handlers, topic)
	l.mu.Unlock()
	return nil
}

func (l *loopback) verbs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.requests))
	for i, r := range l.requests {
		out[i] = r.Verb
	}
	return out
}

// modemAgent accepts lifecycle verbs and "set_bitrate"; everything else is unknown.
func modemAgent(req Request) Response {
	switch req.Verb {
	case verbInitialize, verbShutdown, verbPrepare, verbCleanup:
		return Response{OK: true}
	case "set_bitrate":
		return Response{OK: true, Result: map[string]any{"bitrate": req.Args["bitrate"]}}
	case "fault":
		return Response{OK: false, Status: driver.StatusFaulted, Error: &ResponseError{Message: "pll unlock"}}
	default:
		return Response{OK: false, Error: &ResponseError{Code: "unknown_command", Message: "no such verb"}}
	}
}

func TestConformance(t *testing.T) {
	lb := newLoopback(modemAgent)
	drivertest.RunConformance(t, Factory(lb, lb.topics), drivertest.Options{
		Settings: driver.Settings{"agent": "modem-1", "timeout": "2s"},
		Verb:     "set_bitrate",
		Args:     driver.Args{"bitrate": 9600},
	})
}

func TestDriver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	lb := newLoopback(modemAgent)
	d := New(lb, lb.topics)

	require.NoError(t, d.Initialize(ctx, driver.Settings{"agent": "modem-1"}))
	res, err := d.Execute(ctx, "set_bitrate", driver.Args{"bitrate": "9600"})
	require.NoError(t, err)
	assert.Equal(t, "9600", res["bitrate"])

	require.NoError(t, d.PrepareForSession(ctx, "P1"))
	require.NoError(t, d.CleanupAfterSession(ctx))
	require.NoError(t, d.Shutdown(ctx))

	assert.Equal(t, []string{"initialize", "set_bitrate", "prepare", "cleanup", "shutdown"}, lb.verbs())
}

func TestDriver_CBOR(t *testing.T) {
	ctx := context.Background()
	lb := newLoopback(func(req Request) Response {
		return Response{OK: true, Result: map[string]any{"nested": map[string]any{"verb": req.Verb}}}
	})
	lb.codec = cborCodec{}
	d := New(lb, lb.topics)

	require.NoError(t, d.Initialize(ctx, driver.Settings{"agent": "tnc", "encoding": "cbor"}))
	res, err := d.Execute(ctx, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"verb": "status"}, res["nested"])
}

func TestDriver_AgentErrors(t *testing.T) {
	ctx := context.Background()
	lb := newLoopback(modemAgent)
	d := New(lb, lb.topics)
	require.NoError(t, d.Initialize(ctx, driver.Settings{"agent": "modem-1"}))

	_, err := d.Execute(ctx, "warp", nil)
	assert.ErrorIs(t, err, driver.ErrCommandFailed)
	assert.ErrorIs(t, err, driver.ErrUnknownCommand)

	_, err = d.Execute(ctx, "fault", nil)
	var ce *driver.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "pll unlock", ce.Message)
	assert.Equal(t, driver.StatusFaulted, d.Status())

	_, err = d.Execute(ctx, "set_bitrate", nil)
	assert.ErrorIs(t, err, driver.ErrDeviceUnavailable)
}

func TestDriver_Timeout(t *testing.T) {
	ctx := context.Background()
	lb := newLoopback(modemAgent)
	d := New(lb, lb.topics)
	require.NoError(t, d.Initialize(ctx, driver.Settings{"agent": "modem-1", "timeout": "50ms"}))

	lb.mu.Lock()
	lb.silent = true
	lb.mu.Unlock()

	start := time.Now()
	_, err := d.Execute(ctx, "set_bitrate", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Execute(cctx, "set_bitrate", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriver_InitializeValidation(t *testing.T) {
	lb := newLoopback(modemAgent)
	tests := []struct {
		name     string
		settings driver.Settings
	}{
		{"missing agent", driver.Settings{}},
		{"bad timeout", driver.Settings{"agent": "a", "timeout": "soon"}},
		{"bad encoding", driver.Settings{"agent": "a", "encoding": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(lb, lb.topics).Initialize(context.Background(), tt.settings)
			assert.ErrorIs(t, err, driver.ErrInvalidSetting)
		})
	}
}

func TestDriver_InitializeRejected(t *testing.T) {
	lb := newLoopback(func(Request) Response {
		return Response{OK: false, Error: &ResponseError{Message: "hardware missing"}}
	})
	d := New(lb, lb.topics)
	err := d.Initialize(context.Background(), driver.Settings{"agent": "x"})
	assert.ErrorIs(t, err, driver.ErrInitFailed)
	assert.Equal(t, driver.StatusFaulted, d.Status())
}

func TestHandleResponse_IgnoresUnknownAndGarbage(t *testing.T) {
	d := New(newLoopback(modemAgent), mqtt.NewTopics("test"))
	assert.NoError(t, d.handleResponse("t", []byte(`{"id":"nobody","ok":true}`)))
	assert.Error(t, d.handleResponse("t", []byte(`not json`)))
	assert.NoError(t, d.handleResponse("t", []byte(`{}`)))
}
