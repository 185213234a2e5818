// Package influxdb writes HWM operational metrics to InfluxDB v2.
//
// Metrics cover session transitions, command outcomes and latency, and
// device status changes. Device telemetry streams are relayed live over
// MQTT and WebSocket and never stored here.
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Station.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCommand("radio-1", "tune", "okay", "", 12*time.Millisecond, time.Now())
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; asynchronous write errors go to the SetOnError callback.
package influxdb
