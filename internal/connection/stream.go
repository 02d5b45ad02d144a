package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/gatesync/internal/api"
	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/protocol"
)

// streamEventName is the SSE event name carrying gateway envelopes.
const streamEventName = "gateway"

// streamTransport replaces the socket with a bootstrap call, a one-way
// event stream and one REST call per outbound command.
type streamTransport struct {
	cfg    TransportConfig
	client *api.Client
	logger *slog.Logger

	frames  chan TimestampedFrame
	done    chan struct{}
	closing chan struct{}

	mu        sync.Mutex
	body      io.ReadCloser
	cancel    context.CancelFunc
	err       error
	opened    bool
	closeOnce sync.Once
}

// NewStreamTransport creates a request/stream transport against a server's
// REST base URL.
func NewStreamTransport(cfg TransportConfig, baseURL string, creds *auth.Credentials, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultTransportConfig().BufferSize
	}

	token := ""
	if creds != nil {
		token = creds.Token
	}
	opts := []api.ClientOption{api.WithLogger(logger)}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, api.WithTimeout(cfg.WriteTimeout))
	}

	return &streamTransport{
		cfg:     cfg,
		client:  api.NewClient(baseURL, token, opts...),
		logger:  logger,
		frames:  make(chan TimestampedFrame, cfg.BufferSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Open bootstraps a session and opens the event stream. A held session
// and cursor win over the bootstrap result, so the server replays only
// what was missed.
func (t *streamTransport) Open(ctx context.Context, resume Resume) (Handshake, error) {
	if t.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
	}

	sess, err := t.client.CreateRealtimeSession(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return Handshake{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Handshake{}, err
	}

	hs := Handshake{SessionID: sess.SessionID, Cursor: sess.Cursor}
	if resume.SessionID != "" {
		hs.SessionID = resume.SessionID
	}
	if resume.Seq > hs.Cursor {
		hs.Cursor = resume.Seq
	}

	// The stream outlives the open call; only the open itself is bounded by ctx.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := t.client.OpenRealtimeEvents(streamCtx, hs.SessionID, hs.Cursor)
	stopped := stop()
	if err != nil {
		cancel()
		if errors.Is(err, api.ErrUnauthorized) {
			return Handshake{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Handshake{}, err
	}
	if !stopped {
		cancel()
		body.Close()
		return Handshake{}, ctx.Err()
	}

	t.mu.Lock()
	select {
	case <-t.closing:
		t.mu.Unlock()
		cancel()
		body.Close()
		return Handshake{}, ErrTransportClosed
	default:
	}
	t.body = body
	t.cancel = cancel
	t.opened = true
	t.mu.Unlock()

	go t.readLoop(body)

	t.logger.Debug("event stream connected",
		"session_id", hs.SessionID,
		"cursor", hs.Cursor,
	)

	return hs, nil
}

// Send issues the envelope as a REST command. Only presence and voice
// state updates have a command form; the stream binding has no in-band
// handshake or heartbeat, so anything else is ignored.
func (t *streamTransport) Send(ctx context.Context, env gateway.Envelope) error {
	var typ string
	switch env.Op {
	case gateway.OpPresenceUpdate:
		typ = api.CommandPresenceUpdate
	case gateway.OpVoiceStateUpdate:
		typ = api.CommandVoiceStateUpdate
	default:
		t.logger.Debug("no command form for opcode, skipping", "op", env.Op)
		return nil
	}

	cmd, err := api.NewCommand(typ, env.D)
	if err != nil {
		return err
	}
	ack, err := t.client.PostRealtimeCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if !ack.OK {
		t.logger.Warn("command not accepted", "type", typ, "command_id", cmd.CommandID)
	}
	return nil
}

// Close cancels the stream and waits for the read loop.
func (t *streamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)

		t.mu.Lock()
		body, cancel, opened := t.body, t.cancel, t.opened
		t.mu.Unlock()

		if !opened {
			close(t.done)
			return
		}
		cancel()
		err = body.Close()
	})
	<-t.done
	return err
}

func (t *streamTransport) Frames() <-chan TimestampedFrame { return t.frames }

func (t *streamTransport) Done() <-chan struct{} { return t.done }

func (t *streamTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *streamTransport) Mode() protocol.Mode { return protocol.ModeStream }

// readLoop turns the event stream into frames. Keep-alive comments and
// events other than gateway envelopes are skipped by the frame buffer
// and the event name filter.
func (t *streamTransport) readLoop(body io.Reader) {
	defer close(t.done)

	fb := gateway.NewFrameBuffer(t.cfg.MaxEventSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := body.Read(buf)
		receivedAt := time.Now()

		if n > 0 {
			events, ferr := fb.Write(buf[:n])
			for _, ev := range events {
				if ev.Event != streamEventName {
					continue
				}
				select {
				case t.frames <- TimestampedFrame{
					Frame:      gateway.Frame{Kind: gateway.FrameText, Data: ev.Data},
					ReceivedAt: receivedAt,
				}:
				case <-t.closing:
					return
				}
			}
			if ferr != nil {
				t.fail(ferr)
				return
			}
		}

		if err != nil {
			if err == io.EOF {
				err = errors.New("event stream ended")
			}
			t.fail(err)
			return
		}
	}
}

func (t *streamTransport) fail(err error) {
	select {
	case <-t.closing:
		return
	default:
	}

	t.mu.Lock()
	t.err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
	cancel, body := t.cancel, t.body
	t.mu.Unlock()

	cancel()
	body.Close()
}
