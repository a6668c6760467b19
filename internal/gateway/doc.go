// Package gateway orchestrates the tabpilot control plane.
//
// # Overview
//
// The gateway owns every long-lived component: the relay link, the daemon
// supervisor, the capture flow, the audit store and the HTTP API. Serve runs
// them under one errgroup and tears them down together when the context
// ends.
//
// # Relay Link
//
// The relay link keeps at most one registered session. A session is one
// channel plus the registrar and correlator bound to it. When the channel
// drops, pending executions fail with a connection error, the session is
// discarded, and the link reconnects with exponential backoff. Every new
// channel replays the configured identity before executions are accepted.
//
// # HTTP API
//
// Endpoints in api.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 when the relay is registered and all daemons run
//   - POST /api/execute - Send a payload and wait for its result (409 while a relay daemon is not RUNNING)
//   - POST /api/capture - Screenshot a running browser daemon
//   - GET /api/captures - Recent captures
//   - GET /api/daemons - Daemon snapshots
//   - GET /api/daemons/{id}/logs - Buffered daemon output
//   - GET /api/daemons/{id}/events - State transition history
//   - GET /api/executions - Recent execution outcomes
//
// When auth.jwt_secret is set, /api/ requires a bearer token signed with the
// same secret.
//
// # Errors
//
// Failures carry a "kind" field matching faults.Kind:
//
//	timeout             504
//	execution           422
//	not_registered      503
//	connection          503
//	protocol            502
//	capture             502
//	daemon_unavailable  409
package gateway
