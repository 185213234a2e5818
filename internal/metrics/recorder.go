package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/hwm-core/internal/command"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/session"
)

const namespace = "hwm"

// Writer stores operational events outside the process.
// *influxdb.Client implements it.
type Writer interface {
	WriteSessionTransition(pipelineID, state, reason string, duration time.Duration, at time.Time)
	WriteCommand(deviceID, verb, status, code string, elapsed time.Duration, at time.Time)
	WriteDeviceStatus(deviceID, status string, at time.Time)
}

var deviceStatuses = []driver.Status{
	driver.StatusUninitialized,
	driver.StatusReady,
	driver.StatusBusy,
	driver.StatusFaulted,
}

// Recorder implements session.EventSink and command.Observer.
type Recorder struct {
	registry *prometheus.Registry
	writer   Writer
	now      func() time.Time

	sessionTransitions *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	commands           *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	deviceStatus       *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with its own registry. writer may be nil.
func NewRecorder(writer Writer) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		writer:   writer,
		now:      time.Now,

		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state and reason",
		}, []string{"state", "reason"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently active",
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "total",
			Help:      "Dispatched commands by target kind, status and error code",
		}, []string{"kind", "status", "code"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command dispatch latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),

		deviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "status",
			Help:      "Device status (1 for the current status, 0 otherwise)",
		}, []string{"device_id", "status"}),
	}

	r.registry.MustRegister(
		r.sessionTransitions,
		r.activeSessions,
		r.commands,
		r.commandDuration,
		r.deviceStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the Prometheus registry backing Handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SessionChanged implements session.EventSink.
func (r *Recorder) SessionChanged(_ context.Context, ev session.Event) {
	s := ev.Session
	if ev.Previous == s.State {
		return
	}
	r.sessionTransitions.WithLabelValues(string(s.State), s.Reason).Inc()

	switch {
	case s.State == session.StateActive:
		r.activeSessions.Inc()
	case ev.Previous == session.StateActive:
		r.activeSessions.Dec()
	}

	if r.writer != nil {
		r.writer.WriteSessionTransition(s.PipelineID, string(s.State), s.Reason, s.Interval.Duration(), ev.Time)
	}
}

// CommandCompleted implements command.Observer.
func (r *Recorder) CommandCompleted(cmd *command.Command, resp *command.Response, elapsed time.Duration) {
	kind := "device"
	if cmd.IsSystem() {
		kind = "system"
	}
	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
	}

	r.commands.WithLabelValues(kind, string(resp.Status), code).Inc()
	r.commandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	if r.writer != nil {
		r.writer.WriteCommand(cmd.DeviceID, cmd.Verb, string(resp.Status), code, elapsed, resp.CompletedAt)
	}
}

// DeviceStatusChanged matches device.StatusObserver.
func (r *Recorder) DeviceStatusChanged(deviceID string, status driver.Status) {
	for _, s := range deviceStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.deviceStatus.WithLabelValues(deviceID, string(s)).Set(v)
	}
	if r.writer != nil {
		r.writer.WriteDeviceStatus(deviceID, string(status), r.now())
	}
}

var (
	_ session.EventSink = (*Recorder)(nil)
	_ command.Observer  = (*Recorder)(nil)
)
