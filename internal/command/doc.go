// Package command parses user commands and dispatches them.
//
// A device command names a device and, optionally, a session. It is run
// only when the session is active, the device belongs to the session's
// pipeline, the session belongs to the user (unless the user's grant
// ignores session protections) and the user's grant allows the verb on
// the device. Denials are written to the audit trail and never reach the
// driver.
//
// Commands without a device are system commands, routed by verb to a
// SystemHandler and authorized against the handler name. They do not
// need a session.
//
// Every command yields a Response envelope:
//
//	{"id": "...", "received_at": "...", "completed_at": "...",
//	 "status": "okay", "device_id": "radio-1", "result": {...}}
package command
