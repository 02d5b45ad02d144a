package gateway

import (
	"encoding/json"
	"fmt"
)

// Dispatch event types the connection layer itself reacts to.
// Everything else is routed to consumers by tag without interpretation.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"

	EventPresenceUpdate   = "PRESENCE_UPDATE"
	EventVoiceStateUpdate = "VOICE_STATE_UPDATE"
	EventMessageCreate    = "MESSAGE_CREATE"
	EventMessageUpdate    = "MESSAGE_UPDATE"
	EventMessageDelete    = "MESSAGE_DELETE"
	EventGuildCreate      = "GUILD_CREATE"
	EventGuildUpdate      = "GUILD_UPDATE"
	EventGuildDelete      = "GUILD_DELETE"
	EventChannelCreate    = "CHANNEL_CREATE"
	EventChannelUpdate    = "CHANNEL_UPDATE"
	EventChannelDelete    = "CHANNEL_DELETE"
)

// Envelope is one message unit exchanged over the gateway.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Seq returns the envelope sequence number and whether one was present.
func (e Envelope) Seq() (int64, bool) {
	if e.S == nil {
		return 0, false
	}
	return *e.S, true
}

// DecodePayload unmarshals d into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.D) == 0 {
		return fmt.Errorf("%s: empty payload: %w", e.Op, ErrMalformedFrame)
	}
	if err := json.Unmarshal(e.D, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Op, err)
	}
	return nil
}

// NewEnvelope builds an outbound envelope with a JSON-encoded payload.
func NewEnvelope(op Opcode, payload any) (Envelope, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return Envelope{Op: op, D: d}, nil
}

// HelloPayload is the d of OpHello.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyPayload is the d of OpIdentify.
type IdentifyPayload struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
}

// IdentifyProperties describes the client to the server.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// ResumePayload is the d of OpResume.
type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyPayload is the subset of the READY dispatch the connection layer reads.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
}

// PresenceUpdate is the d of OpPresenceUpdate.
type PresenceUpdate struct {
	Status       string            `json:"status"`
	Activities   []json.RawMessage `json:"activities"`
	CustomStatus *string           `json:"custom_status"`
}

// VoiceStateUpdate is the d of OpVoiceStateUpdate.
// A nil ChannelID leaves voice.
type VoiceStateUpdate struct {
	GuildID   *string `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// HeartbeatEnvelope builds an OpHeartbeat carrying the sequence cursor
// (null before the first dispatch).
func HeartbeatEnvelope(seq int64) Envelope {
	d := json.RawMessage("null")
	if seq > 0 {
		d, _ = json.Marshal(seq)
	}
	return Envelope{Op: OpHeartbeat, D: d}
}
