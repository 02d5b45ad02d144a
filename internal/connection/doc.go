// Package connection implements the per-server connections and the
// Connection Registry.
//
// The Registry:
//   - Keeps one Conn per server in the externally supplied list
//   - Falls back to a default server when the list is empty
//   - Tears removed or changed servers down before opening new ones
//   - Reconnects everything when the network or foreground comes back
//   - Aggregates connection states into one status
//
// Each Conn runs its own goroutine that owns the transport, the protocol
// state, the outbound queue and the reconnect timer. Two transport
// bindings exist: a WebSocket carrying the full opcode protocol, and a
// REST bootstrap plus server-sent event stream with commands sent as
// REST calls.
package connection
