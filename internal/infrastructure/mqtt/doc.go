// Package mqtt provides MQTT client connectivity for the station.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// MQTT is the station's outward bus. Session lifecycle events, device
// status and driver telemetry are published for ground software; remote
// driver agents answer requests on their own topics; users may publish
// commands for their active session when inbound commands are enabled.
//
//	HWM ↔ MQTT Broker ↔ {mission software, remote driver agents}
//
// Every topic lives under the configured prefix (default "hwm").
//
// # Security Considerations
//
//   - Use TLS outside the station LAN (cfg.Broker.TLS=true)
//   - Inbound commands go through the same permission checks as the API
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().SessionEvent(s.ID), event, false)
package mqtt
