package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// Realtime endpoint paths.
const (
	RealtimeSessionPath  = "/api/v1/realtime/session"
	RealtimeEventsPath   = "/api/v1/realtime/events"
	RealtimeCommandsPath = "/api/v1/realtime/commands"
)

// Command types accepted by the commands endpoint.
const (
	CommandPresenceUpdate   = "presence_update"
	CommandVoiceStateUpdate = "voice_state_update"
)

// Session is the bootstrap response. Both fields may be absent.
type Session struct {
	SessionID string   `json:"session_id,omitempty"`
	Cursor    int64    `json:"cursor,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	GuildIDs  []string `json:"guild_ids,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// Command is one idempotent outbound command.
type Command struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// CommandAck is the server's acknowledgement of a command.
type CommandAck struct {
	OK         bool   `json:"ok"`
	CommandID  string `json:"command_id"`
	AcceptedAt int64  `json:"accepted_at"` // unix ms
}

// NewCommand builds a command with a fresh idempotency key.
func NewCommand(typ string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Command{
		CommandID: uuid.NewString(),
		Type:      typ,
		Payload:   data,
	}, nil
}

// CreateRealtimeSession performs the session bootstrap call.
func (c *Client) CreateRealtimeSession(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.post(ctx, RealtimeSessionPath, struct{}{}, &s); err != nil {
		return nil, fmt.Errorf("create realtime session: %w", err)
	}
	return &s, nil
}

// OpenRealtimeEvents opens the event stream from the given cursor. The
// caller must close the returned body.
func (c *Client) OpenRealtimeEvents(ctx context.Context, sessionID string, cursor int64) (io.ReadCloser, error) {
	q := url.Values{}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}

	req, err := c.newRequest(ctx, http.MethodGet, RealtimeEventsPath, q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("open realtime events: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("open realtime events: %w", newAPIError(resp))
	}

	c.logger.Debug("realtime event stream opened",
		"session_id", sessionID,
		"cursor", cursor,
	)
	return resp.Body, nil
}

// PostRealtimeCommand sends one command. It is not retried.
func (c *Client) PostRealtimeCommand(ctx context.Context, cmd Command) (*CommandAck, error) {
	var ack CommandAck
	if err := c.post(ctx, RealtimeCommandsPath, cmd, &ack); err != nil {
		return nil, fmt.Errorf("post %s command: %w", cmd.Type, err)
	}
	return &ack, nil
}
