// Package poller implements the server list poller.
//
// The poller:
//   - Reads the server list from a source (static config or Postgres) on an interval
//   - Compares it with the last list it delivered
//   - Pushes changed lists to the connection registry, which reconciles
//   - Keeps the previous list when a read fails
package poller
