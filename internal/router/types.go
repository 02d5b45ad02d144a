package router

import (
	"encoding/json"
	"time"

	"github.com/rickgao/gatesync/internal/model"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// RouterConfig holds configuration for the event router.
type RouterConfig struct {
	InboxSize  int // initial inbox capacity. Default: 1024
	InboxLimit int // inbox capacity ceiling, 0 = unbounded. Default: 65536
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		InboxSize:  1024,
		InboxLimit: 65536,
	}
}

// Event is one dispatch envelope delivered to consumers.
type Event struct {
	Server     model.ServerID
	Type       string          // event-type tag, e.g. "READY"
	Seq        int64           // 0 when the envelope carried no sequence
	Data       json.RawMessage // payload, never interpreted here
	ReceivedAt time.Time
}

// Handler consumes events. Handlers run on the router goroutine, one at a
// time, in wire order.
type Handler func(Event)

// RouterStats contains runtime statistics.
type RouterStats struct {
	EventsReceived  int64
	EventsRouted    int64 // delivered to at least one handler
	EventsUnhandled int64
	EventsDropped   int64 // rejected by a full or closed inbox
	HandlerPanics   int64
	Subscriptions   int
	Inbox           BufferStats
}

type subscription struct {
	id      uint64
	handler Handler
}
