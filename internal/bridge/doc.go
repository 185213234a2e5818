// Package bridge connects the station core to the MQTT bus.
//
// Outbound, it publishes session lifecycle events, retained device status
// and live driver telemetry. Inbound, it accepts commands on
// <prefix>/command/<user> and answers on <prefix>/response/<user>.
//
// The user ID is taken from the topic, so the broker's ACL must restrict
// each client to its own command topic.
//
// Outbound messages go through a bounded queue drained by one goroutine.
// Driver telemetry never blocks on the broker: when the queue is full the
// message is dropped and counted.
package bridge
