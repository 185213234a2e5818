// Package driver defines the capability contract every ground-station
// device implements, plus the pieces shared by concrete drivers.
//
// A driver controls one physical or virtual device: a radio, an antenna
// rotator, a modem, a tracker. The core only ever talks to the Driver
// interface; new hardware means a new implementation registered in a
// Registry, never new core logic.
//
//	┌──────────────┐    New(kind)    ┌──────────────────────┐
//	│   Registry   │────────────────▶│ Driver (fake, remote,│
//	│ kind→Factory │                 │ hamlib, ...)         │
//	└──────────────┘                 └──────────┬───────────┘
//	                                            │ embeds
//	                                 ┌──────────▼───────────┐
//	                                 │ Base: status,        │
//	                                 │ telemetry sink       │
//	                                 └──────────────────────┘
//
// Optional capabilities are discovered by interface assertion:
// StateReporter, SessionPreparer, SessionCleaner and TelemetryEmitter.
package driver
