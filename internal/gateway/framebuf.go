package gateway

import (
	"bytes"
	"strings"
)

// StreamEvent is one record of a server-sent event stream.
type StreamEvent struct {
	Event string
	ID    string
	Data  []byte
}

// FrameBuffer accumulates event-stream bytes and yields complete records.
// Records may be split across arbitrary read boundaries; only a blank line
// ends one. Not safe for concurrent use.
type FrameBuffer struct {
	buf     []byte
	maxSize int
}

// NewFrameBuffer creates a buffer that refuses to hold more than maxSize
// bytes of an unfinished record (0 = unbounded).
func NewFrameBuffer(maxSize int) *FrameBuffer {
	return &FrameBuffer{maxSize: maxSize}
}

// Write appends a chunk and returns every record it completed.
// Comment-only and empty records are skipped.
func (b *FrameBuffer) Write(chunk []byte) ([]StreamEvent, error) {
	b.buf = append(b.buf, chunk...)

	var events []StreamEvent
	for {
		end, sepLen := recordEnd(b.buf)
		if end < 0 {
			break
		}
		record := b.buf[:end]
		if ev, ok := parseRecord(record); ok {
			events = append(events, ev)
		}
		b.buf = b.buf[end+sepLen:]
	}

	if b.maxSize > 0 && len(b.buf) > b.maxSize {
		b.buf = nil
		return events, ErrMalformedFrame
	}
	// Drop the consumed prefix so the backing array does not grow forever.
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}
	return events, nil
}

// Pending returns the number of buffered bytes of an unfinished record.
func (b *FrameBuffer) Pending() int {
	return len(b.buf)
}

// recordEnd finds the first blank-line separator.
func recordEnd(buf []byte) (int, int) {
	best, bestLen := -1, 0
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n"), []byte("\r\r")} {
		if i := bytes.Index(buf, sep); i >= 0 && (best < 0 || i < best) {
			best, bestLen = i, len(sep)
		}
	}
	return best, bestLen
}

func parseRecord(record []byte) (StreamEvent, bool) {
	var ev StreamEvent
	var data [][]byte
	lines := strings.Split(strings.ReplaceAll(string(record), "\r\n", "\n"), "\n")
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if len(data) == 0 {
		return StreamEvent{}, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	if ev.Event == "" {
		ev.Event = "message"
	}
	return ev, true
}
