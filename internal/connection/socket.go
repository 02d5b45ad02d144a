package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/protocol"
	"github.com/rickgao/gatesync/internal/version"
)

// socketTransport carries the full opcode protocol over one WebSocket.
type socketTransport struct {
	cfg      TransportConfig
	endpoint string
	creds    *auth.Credentials
	logger   *slog.Logger

	conn *websocket.Conn

	frames  chan TimestampedFrame
	done    chan struct{}
	closing chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.Mutex
	err       error
	opened    bool
	closeOnce sync.Once
}

// NewSocketTransport creates a socket-duplex transport for a resolved
// gateway endpoint.
func NewSocketTransport(cfg TransportConfig, endpoint string, creds *auth.Credentials, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultTransportConfig().BufferSize
	}

	return &socketTransport{
		cfg:      cfg,
		endpoint: endpoint,
		creds:    creds,
		logger:   logger,
		frames:   make(chan TimestampedFrame, cfg.BufferSize),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
}

// Open dials the gateway. Session resumption happens in-band, so the
// resume argument is unused here.
func (t *socketTransport) Open(ctx context.Context, _ Resume) (Handshake, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if t.creds != nil {
		t.creds.Apply(header)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		if resp != nil && auth.IsRejection(resp.StatusCode) {
			return Handshake{}, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return Handshake{}, fmt.Errorf("dial gateway: %w", err)
	}

	t.mu.Lock()
	select {
	case <-t.closing:
		t.mu.Unlock()
		conn.Close()
		return Handshake{}, ErrTransportClosed
	default:
	}
	t.conn = conn
	t.opened = true
	t.mu.Unlock()

	// Server pings are answered by the default handler; liveness is the
	// protocol heartbeat's job.
	go t.readLoop()

	t.logger.Debug("websocket connected", "url", t.endpoint)

	return Handshake{}, nil
}

// Send writes one envelope as a text frame.
func (t *socketTransport) Send(_ context.Context, env gateway.Envelope) error {
	data, err := gateway.Encode(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection and waits for the read loop.
func (t *socketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)

		t.mu.Lock()
		conn, opened := t.conn, t.opened
		t.mu.Unlock()

		if !opened {
			close(t.done)
			return
		}

		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	})
	<-t.done
	return err
}

func (t *socketTransport) Frames() <-chan TimestampedFrame { return t.frames }

func (t *socketTransport) Done() <-chan struct{} { return t.done }

func (t *socketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *socketTransport) Mode() protocol.Mode { return protocol.ModeDuplex }

// readLoop reads frames until the socket fails or Close is called.
func (t *socketTransport) readLoop() {
	defer close(t.done)

	for {
		kind, data, err := t.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			select {
			case <-t.closing:
				// Errors after Close are expected
			default:
				t.mu.Lock()
				t.err = classifyReadError(err)
				t.mu.Unlock()
				t.conn.Close()
			}
			return
		}

		frame := gateway.Frame{Kind: gateway.FrameText, Data: data}
		if kind == websocket.BinaryMessage {
			frame.Kind = gateway.FrameBinary
		}

		select {
		case t.frames <- TimestampedFrame{Frame: frame, ReceivedAt: receivedAt}:
		case <-t.closing:
			return
		}
	}
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: close %d %s", ErrTransportClosed, ce.Code, ce.Text)
	}
	return fmt.Errorf("%w: %v", ErrTransportClosed, err)
}
