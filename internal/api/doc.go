// Package api implements the HTTP REST API and WebSocket server for HWM Core.
//
// This package provides:
//   - REST endpoints for devices, pipelines, sessions and commands
//   - WebSocket hub relaying session events, device status and telemetry
//   - JWT operator authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Errors
//
// Domain sentinels map to HTTP statuses: resource conflicts 409,
// permission denied 403, unknown IDs 404, validation 400, unavailable
// devices 503 and busy pipelines 423. Command failures also carry the
// response envelope so callers see the same body as MQTT clients.
//
// # Security
//
// Every route except /health, /auth/login and the metrics endpoint needs a
// Bearer token. WebSocket connections use single-use tickets so the token
// never appears in a URL. Operators see their own sessions; admins see
// all of them and may reload permissions and override device status.
package api
