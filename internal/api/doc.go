// Package api provides the REST client for the realtime endpoints used by the
// request/stream gateway binding.
//
// Endpoints, relative to a server's base URL:
//   - POST /api/v1/realtime/session   session bootstrap
//   - GET  /api/v1/realtime/events    server-sent event stream
//   - POST /api/v1/realtime/commands  idempotent outbound commands
//
// Requests are never retried; callers express failures as connection state.
package api
