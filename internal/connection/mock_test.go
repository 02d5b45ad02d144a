package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/gatesync/internal/backoff"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// gatewayConn is one accepted socket on the mock gateway.
type gatewayConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *gatewayConn) write(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, []byte(raw))
}

// mockGateway speaks the server side of the socket protocol: hello on
// accept, READY for identify, RESUMED for resume and acks for heartbeats.
type mockGateway struct {
	server   *httptest.Server
	interval time.Duration

	ack      atomic.Bool
	reject   atomic.Bool
	sessions atomic.Int64
	accepted atomic.Int32
	rejected atomic.Int32
	live     atomic.Int32
	maxLive  atomic.Int32

	mu       sync.Mutex
	received []gateway.Envelope
	conns    []*gatewayConn
}

func newMockGateway(t *testing.T, interval time.Duration) *mockGateway {
	g := &mockGateway{interval: interval}
	g.ack.Store(true)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != gatewayPath {
			http.NotFound(w, r)
			return
		}
		if g.reject.Load() {
			g.rejected.Add(1)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.serve(&gatewayConn{ws: ws})
	}))
	t.Cleanup(g.server.Close)

	return g
}

func (g *mockGateway) serve(c *gatewayConn) {
	g.accepted.Add(1)
	n := g.live.Add(1)
	for {
		m := g.maxLive.Load()
		if n <= m || g.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	defer g.live.Add(-1)
	defer c.ws.Close()

	g.mu.Lock()
	g.conns = append(g.conns, c)
	g.mu.Unlock()

	c.write(fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%d}}`, g.interval.Milliseconds()))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := gateway.Decode(gateway.Frame{Kind: gateway.FrameText, Data: data})
		if err != nil {
			continue
		}

		g.mu.Lock()
		g.received = append(g.received, env)
		g.mu.Unlock()

		switch env.Op {
		case gateway.OpIdentify:
			id := fmt.Sprintf("sess-%d", g.sessions.Add(1))
			c.write(`{"op":0,"t":"READY","s":1,"d":{"session_id":"` + id + `"}}`)
		case gateway.OpResume:
			var p gateway.ResumePayload
			env.DecodePayload(&p)
			c.write(fmt.Sprintf(`{"op":0,"t":"RESUMED","s":%d,"d":{}}`, p.Seq+1))
		case gateway.OpHeartbeat:
			if g.ack.Load() {
				c.write(`{"op":11}`)
			}
		}
	}
}

func (g *mockGateway) url() string {
	return g.server.URL
}

// push writes a raw frame to the most recent socket.
func (g *mockGateway) push(raw string) {
	g.mu.Lock()
	c := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	c.write(raw)
}

// dropAll closes every socket from the server side.
func (g *mockGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.ws.Close()
	}
}

func (g *mockGateway) envelopes(op gateway.Opcode) []gateway.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []gateway.Envelope
	for _, env := range g.received {
		if env.Op == op {
			out = append(out, env)
		}
	}
	return out
}

func (g *mockGateway) ops() []gateway.Opcode {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]gateway.Opcode, 0, len(g.received))
	for _, env := range g.received {
		out = append(out, env.Op)
	}
	return out
}

// recordingDispatcher collects dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []gateway.Envelope
}

func (d *recordingDispatcher) Dispatch(_ model.ServerID, env gateway.Envelope, _ time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, env)
	return true
}

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.events))
	for _, env := range d.events {
		out = append(out, env.T)
	}
	return out
}

func (d *recordingDispatcher) has(eventType string) bool {
	for _, typ := range d.types() {
		if typ == eventType {
			return true
		}
	}
	return false
}

// transportCounter tracks how many transports are open at once.
type transportCounter struct {
	total   atomic.Int32
	live    atomic.Int32
	maxLive atomic.Int32
}

func (c *transportCounter) wrap(factory TransportFactory) TransportFactory {
	return func(server model.Server, logger *slog.Logger) (Transport, error) {
		t, err := factory(server, logger)
		if err != nil {
			return nil, err
		}
		return &countingTransport{Transport: t, counter: c}, nil
	}
}

type countingTransport struct {
	Transport
	counter *transportCounter
	opened  atomic.Bool
	once    sync.Once
}

func (t *countingTransport) Open(ctx context.Context, resume Resume) (Handshake, error) {
	hs, err := t.Transport.Open(ctx, resume)
	if err == nil {
		t.opened.Store(true)
		t.counter.total.Add(1)
		n := t.counter.live.Add(1)
		for {
			m := t.counter.maxLive.Load()
			if n <= m || t.counter.maxLive.CompareAndSwap(m, n) {
				break
			}
		}
	}
	return hs, err
}

func (t *countingTransport) Close() error {
	err := t.Transport.Close()
	t.once.Do(func() {
		if t.opened.Load() {
			t.counter.live.Add(-1)
		}
	})
	return err
}

func socketFactory(t *testing.T) TransportFactory {
	t.Helper()
	factory, err := NewTransportFactory(TransportConfig{
		Binding:          BindingSocket,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
		BufferSize:       64,
	})
	if err != nil {
		t.Fatalf("NewTransportFactory failed: %v", err)
	}
	return factory
}

func testConnConfig() ConnConfig {
	cfg := DefaultConnConfig()
	cfg.Backoff = backoff.Policy{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond}
	cfg.InvalidSessionDelay = func() time.Duration { return 10 * time.Millisecond }
	cfg.TeardownTimeout = time.Second
	return cfg
}

func newTestConn(t *testing.T, server model.Server, factory TransportFactory, d Dispatcher) *Conn {
	t.Helper()
	return newTestConnWith(t, server, testConnConfig(), factory, d)
}

func newTestConnWith(t *testing.T, server model.Server, cfg ConnConfig, factory TransportFactory, d Dispatcher) *Conn {
	t.Helper()
	c := newConn(server, cfg, connDeps{
		factory:    factory,
		dispatcher: d,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func presence(status string) gateway.Envelope {
	env, _ := gateway.NewEnvelope(gateway.OpPresenceUpdate, gateway.PresenceUpdate{Status: status})
	return env
}

func presenceStatus(t *testing.T, env gateway.Envelope) string {
	t.Helper()
	var p gateway.PresenceUpdate
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	return p.Status
}

func httptestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return server
}
