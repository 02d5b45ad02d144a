// Package metrics exposes Prometheus metrics for monitoring.
//
// Key metrics:
//   - Aggregate connectivity status and live connection count
//   - Reconnects and session-ready transitions per server
//   - Dropped frames and dropped outbound commands
//   - Dispatched events and heartbeat round-trip time
package metrics
