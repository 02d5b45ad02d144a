package protocol

import (
	"math/rand"
	"time"

	"github.com/rickgao/gatesync/internal/gateway"
)

// DefaultMissLimit is the number of unacknowledged heartbeats tolerated.
const DefaultMissLimit = 3

// InvalidSessionDelay returns a uniformly random delay in [lo, hi], which
// spreads re-identify attempts of many clients invalidated at once.
func InvalidSessionDelay(lo, hi time.Duration) func() time.Duration {
	return func() time.Duration {
		if hi <= lo {
			return lo
		}
		return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
	}
}

// Step applies one event to the state and returns the new state plus the
// effects the caller must carry out, in order.
func Step(cfg Config, s State, ev Event, now time.Time) (State, []Effect) {
	switch ev := ev.(type) {
	case Connecting:
		s.Phase = PhaseConnecting
		s.MissedAcks = 0
		return s, nil

	case Opened:
		return opened(cfg, s, ev)

	case Received:
		return received(cfg, s, ev.Env, now)

	case HeartbeatDue:
		if !s.Phase.Heartbeating() {
			return s, nil
		}
		limit := cfg.MissLimit
		if limit <= 0 {
			limit = DefaultMissLimit
		}
		if s.MissedAcks >= limit {
			return s, []Effect{StopHeartbeat{}, CloseTransport{Reason: "heartbeat ack timeout"}}
		}
		return heartbeat(s, now)

	case IdentifyDue:
		if s.Phase == PhaseDisconnected || s.Phase == PhaseConnecting {
			return s, nil
		}
		if cfg.Mode == ModeStream {
			return s, []Effect{CloseTransport{Reason: "session invalidated"}}
		}
		s.Phase = PhaseIdentifying
		return s, []Effect{Send{Env: identify(cfg)}}

	case Closed:
		s.Phase = PhaseDisconnected
		s.MissedAcks = 0
		return s, []Effect{StopHeartbeat{}}
	}
	return s, nil
}

func opened(cfg Config, s State, ev Opened) (State, []Effect) {
	s.MissedAcks = 0
	if cfg.Mode == ModeDuplex {
		s.Phase = PhaseAwaitingHello
		return s, nil
	}

	// Stream mode: the bootstrap call replaced hello/identify/resume.
	if s.CanResume() {
		s.Phase = PhaseResuming
	} else {
		s.Phase = PhaseIdentifying
	}
	if ev.SessionID != "" {
		s.SessionID = ev.SessionID
	}
	if ev.Cursor > s.Seq {
		s.Seq = ev.Cursor
	}
	return s, nil
}

func received(cfg Config, s State, env gateway.Envelope, now time.Time) (State, []Effect) {
	switch env.Op {
	case gateway.OpHello:
		if s.Phase != PhaseAwaitingHello {
			return s, []Effect{Drop{Env: env, Reason: "hello outside handshake"}}
		}
		var hello gateway.HelloPayload
		if err := env.DecodePayload(&hello); err != nil || hello.HeartbeatInterval <= 0 {
			return s, []Effect{Drop{Env: env, Reason: "hello without heartbeat interval"}}
		}
		s.HeartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.MissedAcks = 0

		var handshake gateway.Envelope
		if s.CanResume() {
			s.Phase = PhaseResuming
			handshake = resume(cfg, s)
		} else {
			s.Phase = PhaseIdentifying
			handshake = identify(cfg)
		}
		return s, []Effect{StartHeartbeat{Interval: s.HeartbeatInterval}, Send{Env: handshake}}

	case gateway.OpHeartbeat:
		if !s.Phase.Heartbeating() {
			return s, []Effect{Drop{Env: env, Reason: "heartbeat request outside session"}}
		}
		return heartbeat(s, now)

	case gateway.OpHeartbeatAck:
		s.MissedAcks = 0
		s.LastAckAt = now
		if s.LastHeartbeatAt.IsZero() {
			return s, nil
		}
		s.Latency = now.Sub(s.LastHeartbeatAt)
		return s, []Effect{LatencySample{RTT: s.Latency}}

	case gateway.OpDispatch:
		return dispatch(s, env)

	case gateway.OpReconnect:
		return s, []Effect{StopHeartbeat{}, CloseTransport{Reason: "server requested reconnect"}}

	case gateway.OpInvalidSession:
		// Out of Ready until the fresh identify completes; heartbeats go on.
		s.Phase = PhaseIdentifying
		s.SessionID = ""
		s.Seq = 0
		delay := time.Second
		if cfg.InvalidSessionDelay != nil {
			delay = cfg.InvalidSessionDelay()
		}
		return s, []Effect{ScheduleIdentify{Delay: delay}}

	case gateway.OpIdentify, gateway.OpPresenceUpdate, gateway.OpVoiceStateUpdate, gateway.OpResume:
		return s, []Effect{Drop{Env: env, Reason: "client-only opcode"}}

	default:
		return s, []Effect{Drop{Env: env, Reason: "unknown opcode"}}
	}
}

func dispatch(s State, env gateway.Envelope) (State, []Effect) {
	if seq, ok := env.Seq(); ok && seq > s.Seq {
		s.Seq = seq
	}

	switch env.T {
	case gateway.EventReady:
		var ready gateway.ReadyPayload
		if err := env.DecodePayload(&ready); err == nil && ready.SessionID != "" {
			s.SessionID = ready.SessionID
		}
		s.Phase = PhaseReady
		return s, []Effect{SessionReady{SessionID: s.SessionID}, Dispatch{Env: env}}

	case gateway.EventResumed:
		s.Phase = PhaseReady
		return s, []Effect{SessionReady{SessionID: s.SessionID, Resumed: true}, Dispatch{Env: env}}
	}
	return s, []Effect{Dispatch{Env: env}}
}

func heartbeat(s State, now time.Time) (State, []Effect) {
	s.MissedAcks++
	s.LastHeartbeatAt = now
	return s, []Effect{Send{Env: gateway.HeartbeatEnvelope(s.Seq)}}
}

func identify(cfg Config) gateway.Envelope {
	env, _ := gateway.NewEnvelope(gateway.OpIdentify, gateway.IdentifyPayload{
		Token:      cfg.Token,
		Properties: cfg.Properties,
	})
	return env
}

func resume(cfg Config, s State) gateway.Envelope {
	env, _ := gateway.NewEnvelope(gateway.OpResume, gateway.ResumePayload{
		Token:     cfg.Token,
		SessionID: s.SessionID,
		Seq:       s.Seq,
	})
	return env
}
