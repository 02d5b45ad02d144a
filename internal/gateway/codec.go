package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

// FlushMarker terminates every compressed frame (zlib Z_SYNC_FLUSH).
var FlushMarker = []byte{0x00, 0x00, 0xff, 0xff}

// FrameKind tells the codec how to read a frame's bytes.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is one raw transport frame.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Decode turns a raw frame into an envelope. It keeps no state between
// calls, so a bad frame cannot affect the ones after it.
func Decode(f Frame) (Envelope, error) {
	data := f.Data
	if f.Kind == FrameBinary {
		inflated, err := Inflate(data)
		if err != nil {
			return Envelope{}, err
		}
		data = inflated
	}
	return parseEnvelope(data)
}

// Encode turns an envelope into a text frame payload.
func Encode(env Envelope) ([]byte, error) {
	if !env.Op.Known() {
		return nil, fmt.Errorf("encode %s: %w", env.Op, ErrUnknownOpcode)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Op, err)
	}
	return data, nil
}

// Inflate decompresses one compressed frame. The trailing flush marker is
// stripped when present; a frame without it is decompressed as-is.
func Inflate(data []byte) ([]byte, error) {
	data = bytes.TrimSuffix(data, FlushMarker)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty compressed frame: %w", ErrMalformedFrame)
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w: %v", ErrMalformedFrame, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	// A sync-flushed stream has no final block, so the reader always runs
	// off the end of the input.
	if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && len(out) > 0) {
		return nil, fmt.Errorf("inflate: %w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

func parseEnvelope(data []byte) (Envelope, error) {
	var wire struct {
		Op *int            `json:"op"`
		D  json.RawMessage `json:"d"`
		S  *int64          `json:"s"`
		T  *string         `json:"t"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Op == nil {
		return Envelope{}, fmt.Errorf("missing op: %w", ErrMalformedFrame)
	}
	if *wire.Op < 0 || *wire.Op > 255 || !Opcode(*wire.Op).Known() {
		return Envelope{}, fmt.Errorf("op %d: %w", *wire.Op, ErrUnknownOpcode)
	}

	env := Envelope{Op: Opcode(*wire.Op), S: wire.S}
	if len(wire.D) > 0 && !bytes.Equal(wire.D, []byte("null")) {
		env.D = wire.D
	}
	if wire.T != nil {
		env.T = *wire.T
	}
	return env, nil
}
