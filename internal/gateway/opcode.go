package gateway

import "strconv"

// Opcode is the operation code of an envelope.
type Opcode uint8

const (
	OpDispatch         Opcode = 0  // server -> client
	OpHeartbeat        Opcode = 1  // both directions
	OpIdentify         Opcode = 2  // client -> server
	OpPresenceUpdate   Opcode = 3  // client -> server
	OpVoiceStateUpdate Opcode = 4  // client -> server
	OpResume           Opcode = 6  // client -> server
	OpReconnect        Opcode = 7  // server -> client
	OpInvalidSession   Opcode = 9  // server -> client
	OpHello            Opcode = 10 // server -> client
	OpHeartbeatAck     Opcode = 11 // server -> client
)

var opcodeNames = map[Opcode]string{
	OpDispatch:         "dispatch",
	OpHeartbeat:        "heartbeat",
	OpIdentify:         "identify",
	OpPresenceUpdate:   "presence_update",
	OpVoiceStateUpdate: "voice_state_update",
	OpResume:           "resume",
	OpReconnect:        "reconnect",
	OpInvalidSession:   "invalid_session",
	OpHello:            "hello",
	OpHeartbeatAck:     "heartbeat_ack",
}

// Known reports whether the opcode belongs to the protocol.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// String returns the opcode name, or its number if unknown.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// Outbound reports whether only the client may send this opcode.
func (o Opcode) Outbound() bool {
	switch o {
	case OpIdentify, OpPresenceUpdate, OpVoiceStateUpdate, OpResume:
		return true
	}
	return false
}
