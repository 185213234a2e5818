// Package metrics exposes HWM operational metrics.
//
// A Recorder observes the session coordinator, the command dispatcher and
// the device manager. It keeps Prometheus collectors for the /metrics
// endpoint and, when configured, forwards the same events to a Writer
// (normally the InfluxDB client) for long-term storage.
//
//	rec := metrics.NewRecorder(influxClient)
//	coordinator.AddSink(rec)
//	dispatcher.AddObserver(rec)
//	devices.SetStatusObserver(rec.DeviceStatusChanged)
//	router.Handle(cfg.Metrics.Path, rec.Handler())
package metrics
