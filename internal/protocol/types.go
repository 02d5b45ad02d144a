package protocol

import (
	"time"

	"github.com/rickgao/gatesync/internal/gateway"
)

// Phase is the position of a session in the state machine.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAwaitingHello
	PhaseIdentifying
	PhaseResuming
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingHello:
		return "awaiting_hello"
	case PhaseIdentifying:
		return "identifying"
	case PhaseResuming:
		return "resuming"
	case PhaseReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Heartbeating reports whether the heartbeat timer should be running.
func (p Phase) Heartbeating() bool {
	return p == PhaseIdentifying || p == PhaseResuming || p == PhaseReady
}

// Mode selects which half of the protocol the transport carries.
type Mode int

const (
	// ModeDuplex runs the full opcode machine over one socket.
	ModeDuplex Mode = iota
	// ModeStream replaces hello/heartbeat/identify/resume with a REST
	// bootstrap; the server pushes dispatches over a one-way stream.
	ModeStream
)

// Config holds the inputs the machine needs that are not part of its state.
type Config struct {
	Mode      Mode
	Token     string
	MissLimit int // unacknowledged heartbeats before the transport is closed

	// InvalidSessionDelay picks the wait before re-identifying.
	InvalidSessionDelay func() time.Duration

	Properties gateway.IdentifyProperties
}

// State is everything the machine remembers about one session.
type State struct {
	Phase     Phase
	SessionID string
	Seq       int64

	HeartbeatInterval time.Duration
	MissedAcks        int
	LastHeartbeatAt   time.Time
	LastAckAt         time.Time
	Latency           time.Duration
}

// CanResume reports whether a held session allows resuming.
func (s State) CanResume() bool {
	return s.SessionID != ""
}

// Event is an input to Step.
type Event interface{ isEvent() }

// Connecting is fed when a transport open is started.
type Connecting struct{}

// Opened is fed when the transport handshake (and, in stream mode, the
// session bootstrap) completed.
type Opened struct {
	SessionID string // stream mode: session assigned by the bootstrap call
	Cursor    int64  // stream mode: cursor returned by the bootstrap call
}

// Received is fed for every decoded inbound envelope.
type Received struct {
	Env gateway.Envelope
}

// HeartbeatDue is fed on every heartbeat timer tick.
type HeartbeatDue struct{}

// IdentifyDue is fed when the post-invalid-session delay elapsed.
type IdentifyDue struct{}

// Closed is fed when the transport went away for any reason.
type Closed struct{}

func (Connecting) isEvent()   {}
func (Opened) isEvent()       {}
func (Received) isEvent()     {}
func (HeartbeatDue) isEvent() {}
func (IdentifyDue) isEvent()  {}
func (Closed) isEvent()       {}

// Effect is an action Step asks the caller to perform.
type Effect interface{ isEffect() }

// Send writes an envelope on the open transport, bypassing the outbound queue.
type Send struct {
	Env gateway.Envelope
}

// StartHeartbeat (re)arms the heartbeat ticker.
type StartHeartbeat struct {
	Interval time.Duration
}

// StopHeartbeat disarms the heartbeat ticker.
type StopHeartbeat struct{}

// CloseTransport closes the transport; the caller treats it as a transient
// disconnect and hands over to the backoff scheduler.
type CloseTransport struct {
	Reason string
}

// ScheduleIdentify arms the one-shot re-identify timer.
type ScheduleIdentify struct {
	Delay time.Duration
}

// Dispatch forwards an event envelope to consumers.
type Dispatch struct {
	Env gateway.Envelope
}

// SessionReady marks the session usable: flush the outbound queue and
// reset the reconnect attempt counter.
type SessionReady struct {
	SessionID string
	Resumed   bool
}

// LatencySample reports a heartbeat round trip.
type LatencySample struct {
	RTT time.Duration
}

// Drop reports an inbound envelope that was ignored.
type Drop struct {
	Env    gateway.Envelope
	Reason string
}

func (Send) isEffect()             {}
func (StartHeartbeat) isEffect()   {}
func (StopHeartbeat) isEffect()    {}
func (CloseTransport) isEffect()   {}
func (ScheduleIdentify) isEffect() {}
func (Dispatch) isEffect()         {}
func (SessionReady) isEffect()     {}
func (LatencySample) isEffect()    {}
func (Drop) isEffect()             {}
