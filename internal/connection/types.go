package connection

import (
	"errors"
	"time"

	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/backoff"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/outbox"
	"github.com/rickgao/gatesync/internal/protocol"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrClosed          = errors.New("connection closed")
	ErrUnauthorized    = errors.New("credential rejected")
	ErrNoCredential    = auth.ErrNoCredential
	ErrUnknownServer   = errors.New("unknown server")
	ErrTransportClosed = errors.New("transport closed")
	ErrBadEndpoint     = errors.New("bad server url")
)

// AuthExhausted reports whether err means the connection must not be retried.
func AuthExhausted(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoCredential)
}

// TimestampedFrame wraps a raw frame with its receive timestamp.
type TimestampedFrame struct {
	Frame      gateway.Frame
	ReceivedAt time.Time // Local timestamp when the read returned
}

// Resume is the held session offered to a transport when it opens.
type Resume struct {
	SessionID string
	Seq       int64
}

// Handshake is what a transport learned while opening.
// The socket binding leaves it empty; the handshake happens in-band.
type Handshake struct {
	SessionID string
	Cursor    int64
}

// Binding names a transport implementation.
type Binding string

const (
	BindingSocket Binding = "socket"
	BindingStream Binding = "stream"
)

// TransportConfig configures both transport bindings.
type TransportConfig struct {
	Binding          Binding
	Compress         bool          // socket: request zlib-stream frames
	HandshakeTimeout time.Duration // socket dial / stream bootstrap
	WriteTimeout     time.Duration // socket write deadline / command request timeout
	BufferSize       int           // inbound frame channel size
	MaxEventSize     int           // stream: largest unfinished event record
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Binding:          BindingSocket,
		Compress:         true,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
		MaxEventSize:     1 << 20,
	}
}

// ConnConfig configures one per-server connection.
type ConnConfig struct {
	Backoff         backoff.Policy
	QueueCapacity   int
	MissLimit       int
	TeardownTimeout time.Duration // bound on waiting for the previous transport

	// InvalidSessionDelay picks the wait before re-identifying.
	InvalidSessionDelay func() time.Duration

	Properties gateway.IdentifyProperties
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Backoff:             backoff.DefaultPolicy(),
		QueueCapacity:       outbox.DefaultCapacity,
		MissLimit:           protocol.DefaultMissLimit,
		TeardownTimeout:     5 * time.Second,
		InvalidSessionDelay: protocol.InvalidSessionDelay(time.Second, 5*time.Second),
		Properties: gateway.IdentifyProperties{
			OS:      "linux",
			Browser: "gatesync",
			Device:  "gatesync",
		},
	}
}

// RegistryConfig configures the connection registry.
type RegistryConfig struct {
	Conn               ConnConfig
	Transport          TransportConfig
	ConnectConcurrency int // parallel connects during reconciliation

	// Default is used in single-server mode, when the external list is
	// empty. A zero ID disables it.
	Default model.Server
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Conn:               DefaultConnConfig(),
		Transport:          DefaultTransportConfig(),
		ConnectConcurrency: 8,
	}
}

// ConnStats is a snapshot of one connection.
type ConnStats struct {
	Server       model.ServerID
	Connected    bool // transport open
	Connecting   bool // transport open in flight
	Reconnecting bool // backoff timer pending
	Intentional  bool // closed by Disconnect, will not reconnect
	Phase        string
	SessionID    string
	Seq          int64
	Latency      time.Duration
	Attempt      int
	Reconnects   int64
	Queue        outbox.Stats
}

// Status maps the snapshot to the aggregate vocabulary.
func (s ConnStats) Status() model.Status {
	switch {
	case s.Connected:
		return model.StatusConnected
	case s.Connecting:
		return model.StatusConnecting
	case s.Reconnecting:
		return model.StatusReconnecting
	default:
		return model.StatusDisconnected
	}
}

// RegistryStats provides statistics about the registry.
type RegistryStats struct {
	Status         model.Status
	Latency        time.Duration
	ConnectedCount int
	Connections    []ConnStats // sorted by server id
}
