// ABOUTME: Package documentation for the HTTP API surface
// ABOUTME: Describes the endpoints and the SSE event stream

// Package api exposes the coordinator over HTTP.
//
// The API is a thin shell around the router: POST /api/dispatch accepts a
// request envelope and returns the response envelope unchanged, so HTTP
// clients see exactly what an in-process caller would. Handler failures are
// reported inside the envelope with HTTP 200; non-2xx status codes are
// reserved for transport-level problems (bad JSON, unknown session).
//
// # Endpoints
//
//   - POST /api/dispatch — route a request to an agent action
//   - GET  /api/actions — list registered agent actions
//   - GET  /api/sessions — list known session IDs
//   - GET  /api/sessions/{id} — full session state snapshot
//   - POST /api/sessions/{id}/reset — reset a session to a fresh state
//   - GET  /api/sessions/{id}/events — SSE stream of session events
//
// # Event stream
//
// The events endpoint streams broadcaster events as server-sent events. The
// first frame is always "subscribed"; afterwards each committed state change
// produces a "state_changed" frame. Delivery is best-effort: slow consumers
// may miss events and should re-read the status endpoint after reconnecting.
package api
