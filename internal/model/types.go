package model

import "strings"

// ServerID identifies one backend deployment the user is registered with.
type ServerID string

// DefaultServerID is used in single-server mode, when the external list is empty.
const DefaultServerID ServerID = "local"

// Server is one entry of the externally owned server list.
type Server struct {
	ID    ServerID // Opaque key
	URL   string   // Base URL (http(s)://host[/base])
	Token string   // Per-server credential, empty if none
}

// Equal reports whether two entries describe the same endpoint and credential.
// A changed URL or token means the held session is no longer valid for that server.
func (s Server) Equal(o Server) bool {
	return s.ID == o.ID &&
		strings.TrimRight(s.URL, "/") == strings.TrimRight(o.URL, "/") &&
		s.Token == o.Token
}

// HasCredential reports whether the server carries a usable credential.
func (s Server) HasCredential() bool {
	return strings.TrimSpace(s.Token) != ""
}

// Status is the aggregated connectivity status exposed to the UI.
type Status int

const (
	StatusDisconnected Status = iota
	StatusReconnecting
	StatusConnecting
	StatusConnected
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler so statuses serialize by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
