// Package model defines shared data types used across gatesync.
//
// Conventions:
//   - Server identities are opaque strings supplied by whoever owns the server list
//   - Sequence numbers are int64 and only ever move forward
//   - Durations are time.Duration; wire formats convert at the edge
package model
