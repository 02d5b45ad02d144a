package connection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/protocol"
)

// Transport is one opened channel to a server. A transport is used once:
// after it closes, a new one is created for the next attempt.
type Transport interface {
	// Open performs the handshake. For the stream binding this includes the
	// session bootstrap, which may resume the held session.
	Open(ctx context.Context, resume Resume) (Handshake, error)

	// Send writes one envelope.
	Send(ctx context.Context, env gateway.Envelope) error

	// Close tears the transport down and returns once Done is closed.
	// It is safe to call more than once.
	Close() error

	// Frames returns the inbound frames in arrival order.
	Frames() <-chan TimestampedFrame

	// Done is closed once the transport is fully torn down.
	Done() <-chan struct{}

	// Err returns why the transport ended, nil after a plain Close.
	Err() error

	// Mode tells the protocol engine which half of the protocol to run.
	Mode() protocol.Mode
}

// TransportFactory creates an unopened transport for a server.
type TransportFactory func(server model.Server, logger *slog.Logger) (Transport, error)

// NewTransportFactory returns the factory for the configured binding.
func NewTransportFactory(cfg TransportConfig) (TransportFactory, error) {
	switch cfg.Binding {
	case BindingSocket, "":
		return func(server model.Server, logger *slog.Logger) (Transport, error) {
			creds, err := auth.ForServer(server)
			if err != nil {
				return nil, err
			}
			endpoint, err := GatewayURL(server.URL, cfg.Compress)
			if err != nil {
				return nil, err
			}
			return NewSocketTransport(cfg, endpoint, creds, logger), nil
		}, nil
	case BindingStream:
		return func(server model.Server, logger *slog.Logger) (Transport, error) {
			creds, err := auth.ForServer(server)
			if err != nil {
				return nil, err
			}
			base, err := RESTBaseURL(server.URL)
			if err != nil {
				return nil, err
			}
			return NewStreamTransport(cfg, base, creds, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport binding %q", cfg.Binding)
	}
}
