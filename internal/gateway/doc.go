// Package gateway defines the wire protocol of the real-time gateway.
//
// It covers:
//   - Opcodes (a closed set; anything else is rejected at decode time)
//   - The Envelope {op, d, s, t} and the typed payloads carried in d
//   - The frame codec: plain JSON text frames and zlib-compressed binary frames
//     terminated by the 4-byte sync-flush marker
//   - FrameBuffer, which rebuilds event-stream records split across reads
package gateway
