package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/gatesync/internal/backoff"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/outbox"
)

func testServer(g *mockGateway) model.Server {
	return model.Server{ID: "a", URL: g.url(), Token: "tok"}
}

func connectReady(t *testing.T, c *Conn) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "session ready", func() bool { return c.Stats().Phase == "ready" })
}

func TestConn_HandshakeFlushesQueueInOrder(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	d := &recordingDispatcher{}
	c := newTestConn(t, testServer(g), socketFactory(t), d)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := c.Send(ctx, presence(fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if got := c.Stats().Queue.Count; got != 3 {
		t.Fatalf("queued = %d, want 3", got)
	}

	connectReady(t, c)
	waitFor(t, "queued commands", func() bool { return len(g.envelopes(gateway.OpPresenceUpdate)) == 3 })

	ops := g.ops()
	want := []gateway.Opcode{gateway.OpIdentify, gateway.OpPresenceUpdate, gateway.OpPresenceUpdate, gateway.OpPresenceUpdate}
	if len(ops) < len(want) {
		t.Fatalf("ops = %v, want prefix %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want prefix %v", ops, want)
		}
	}
	for i, env := range g.envelopes(gateway.OpPresenceUpdate) {
		if got, want := presenceStatus(t, env), fmt.Sprintf("s%d", i+1); got != want {
			t.Errorf("presence %d status = %q, want %q", i, got, want)
		}
	}

	stats := c.Stats()
	if !stats.Connected || stats.SessionID != "sess-1" || stats.Seq != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Queue.Count != 0 || stats.Queue.Flushed != 3 {
		t.Errorf("queue stats = %+v", stats.Queue)
	}
	if !d.has(gateway.EventReady) {
		t.Errorf("dispatched %v, want READY", d.types())
	}
}

func TestConn_IdentifyCarriesToken(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	connectReady(t, c)

	identifies := g.envelopes(gateway.OpIdentify)
	if len(identifies) != 1 {
		t.Fatalf("identifies = %d, want 1", len(identifies))
	}
	var p gateway.IdentifyPayload
	if err := identifies[0].DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.Token != "tok" {
		t.Errorf("token = %q, want %q", p.Token, "tok")
	}
}

func TestConn_ConcurrentConnectOpensOneTransport(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	counter := &transportCounter{}
	c := newTestConn(t, testServer(g), counter.wrap(socketFactory(t)), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Connect failed: %v", err)
		}
	}
	if got := counter.total.Load(); got != 1 {
		t.Errorf("transports opened = %d, want 1", got)
	}
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted = %d, want 1", got)
	}
}

func TestConn_ConnectWhenOpenIsNoop(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	counter := &transportCounter{}
	c := newTestConn(t, testServer(g), counter.wrap(socketFactory(t)), nil)

	connectReady(t, c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if got := counter.total.Load(); got != 1 {
		t.Errorf("transports opened = %d, want 1", got)
	}
}

func TestConn_DisconnectThenConnectNeverOverlaps(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	counter := &transportCounter{}
	c := newTestConn(t, testServer(g), counter.wrap(socketFactory(t)), nil)
	ctx := context.Background()

	connectReady(t, c)
	for i := 0; i < 5; i++ {
		if err := c.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}

	if got := counter.maxLive.Load(); got != 1 {
		t.Errorf("max live transports = %d, want 1", got)
	}
	if got := counter.total.Load(); got != 6 {
		t.Errorf("transports opened = %d, want 6", got)
	}
}

func TestConn_DisconnectStopsReconnecting(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)
	ctx := context.Background()

	connectReady(t, c)
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	stats := c.Stats()
	if stats.Connected || stats.Connecting || stats.Reconnecting || !stats.Intentional {
		t.Errorf("stats after disconnect = %+v", stats)
	}
	if stats.Status() != model.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", stats.Status())
	}

	time.Sleep(100 * time.Millisecond)
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted = %d after disconnect, want 1", got)
	}
}

func TestConn_SendAfterDisconnectDropped(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)
	ctx := context.Background()

	connectReady(t, c)
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := c.Send(ctx, presence("idle")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := c.Stats().Queue.Count; got != 0 {
		t.Errorf("queued = %d, want 0", got)
	}
	if got := len(g.envelopes(gateway.OpPresenceUpdate)); got != 0 {
		t.Errorf("gateway got %d presence updates, want 0", got)
	}
}

func TestConn_SendWhenReadyWritesImmediately(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	connectReady(t, c)
	if err := c.Send(context.Background(), presence("dnd")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, "presence update", func() bool { return len(g.envelopes(gateway.OpPresenceUpdate)) == 1 })
	if got := c.Stats().Queue.Accepted; got != 0 {
		t.Errorf("queue accepted = %d, want 0", got)
	}
}

func TestConn_QueueOverflowDropsNewest(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)
	ctx := context.Background()

	for i := 0; i <= outbox.DefaultCapacity; i++ {
		c.Send(ctx, presence(fmt.Sprintf("p%d", i)))
	}

	q := c.Stats().Queue
	if q.Count != outbox.DefaultCapacity || q.Dropped != 1 {
		t.Fatalf("queue = %+v, want %d queued and 1 dropped", q, outbox.DefaultCapacity)
	}

	connectReady(t, c)
	waitFor(t, "flush", func() bool {
		return len(g.envelopes(gateway.OpPresenceUpdate)) == outbox.DefaultCapacity
	})

	got := g.envelopes(gateway.OpPresenceUpdate)
	if s := presenceStatus(t, got[0]); s != "p0" {
		t.Errorf("first flushed = %q, want p0", s)
	}
	if s := presenceStatus(t, got[len(got)-1]); s != "p199" {
		t.Errorf("last flushed = %q, want p199", s)
	}
}

func TestConn_HeartbeatTimeoutResumes(t *testing.T) {
	g := newMockGateway(t, 20*time.Millisecond)
	g.ack.Store(false)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "resume", func() bool { return len(g.envelopes(gateway.OpResume)) > 0 })

	ops := g.ops()
	heartbeats := 0
	for _, op := range ops {
		if op == gateway.OpResume {
			break
		}
		if op == gateway.OpHeartbeat {
			heartbeats++
		}
	}
	if heartbeats != 3 {
		t.Errorf("heartbeats before resume = %d, want 3 (ops %v)", heartbeats, ops)
	}

	var p gateway.ResumePayload
	if err := g.envelopes(gateway.OpResume)[0].DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.SessionID != "sess-1" || p.Seq != 1 || p.Token != "tok" {
		t.Errorf("resume = %+v", p)
	}
	if c.Stats().Reconnects < 1 {
		t.Errorf("reconnects = %d, want >= 1", c.Stats().Reconnects)
	}
}

func TestConn_HeartbeatTimeoutReportsReconnecting(t *testing.T) {
	g := newMockGateway(t, 20*time.Millisecond)
	g.ack.Store(false)
	cfg := testConnConfig()
	cfg.Backoff = backoff.Policy{Base: 500 * time.Millisecond, Max: time.Second}
	c := newTestConnWith(t, testServer(g), cfg, socketFactory(t), nil)

	connectReady(t, c)
	// The open socket keeps running until the missed acks close it; the
	// resume dial is refused and the next attempt waits out the backoff.
	g.server.Close()

	waitFor(t, "reconnecting", func() bool { return c.Stats().Status() == model.StatusReconnecting })

	stats := c.Stats()
	if stats.Connected || stats.Intentional {
		t.Errorf("stats = %+v, want a pending automatic reconnect", stats)
	}
	if stats.Reconnects < 1 {
		t.Errorf("reconnects = %d, want >= 1", stats.Reconnects)
	}
	if got := AggregateStatus([]ConnStats{stats}); got != model.StatusReconnecting {
		t.Errorf("AggregateStatus = %v, want reconnecting", got)
	}
}

func TestConn_HeartbeatAckMeasuresLatency(t *testing.T) {
	g := newMockGateway(t, 20*time.Millisecond)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	connectReady(t, c)
	waitFor(t, "latency sample", func() bool { return c.Stats().Latency > 0 })

	time.Sleep(100 * time.Millisecond)
	if got := c.Stats().Reconnects; got != 0 {
		t.Errorf("reconnects = %d with acked heartbeats, want 0", got)
	}
}

func TestConn_ReconnectRequestResumes(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	d := &recordingDispatcher{}
	c := newTestConn(t, testServer(g), socketFactory(t), d)

	connectReady(t, c)
	g.push(`{"op":0,"t":"MESSAGE_CREATE","s":5,"d":{"id":"m1"}}`)
	waitFor(t, "dispatch", func() bool { return c.Stats().Seq == 5 })

	g.push(`{"op":7}`)
	waitFor(t, "resume", func() bool { return len(g.envelopes(gateway.OpResume)) == 1 })

	var p gateway.ResumePayload
	if err := g.envelopes(gateway.OpResume)[0].DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.SessionID != "sess-1" || p.Seq != 5 {
		t.Errorf("resume = %+v, want sess-1 at 5", p)
	}

	waitFor(t, "RESUMED", func() bool { return d.has(gateway.EventResumed) })
	if got := len(g.envelopes(gateway.OpIdentify)); got != 1 {
		t.Errorf("identifies = %d, want 1", got)
	}
}

func TestConn_InvalidSessionIdentifiesFresh(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	connectReady(t, c)
	if got := c.Stats().SessionID; got != "sess-1" {
		t.Fatalf("session = %q, want sess-1", got)
	}

	g.push(`{"op":9,"d":false}`)
	waitFor(t, "second identify", func() bool { return len(g.envelopes(gateway.OpIdentify)) == 2 })
	waitFor(t, "new session", func() bool { return c.Stats().SessionID == "sess-2" })

	var payload map[string]any
	if err := json.Unmarshal(g.envelopes(gateway.OpIdentify)[1].D, &payload); err != nil {
		t.Fatalf("unmarshal identify: %v", err)
	}
	if _, ok := payload["session_id"]; ok {
		t.Errorf("identify after invalid session carries session_id: %v", payload)
	}
	if got := len(g.envelopes(gateway.OpResume)); got != 0 {
		t.Errorf("resumes = %d, want 0", got)
	}
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted = %d, want 1", got)
	}
}

func TestConn_InvalidSessionQueuesUntilReady(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	cfg := testConnConfig()
	cfg.InvalidSessionDelay = func() time.Duration { return 300 * time.Millisecond }
	c := newTestConnWith(t, testServer(g), cfg, socketFactory(t), nil)

	connectReady(t, c)
	g.push(`{"op":9,"d":false}`)
	waitFor(t, "session invalidated", func() bool {
		s := c.Stats()
		return s.Phase == "identifying" && s.SessionID == ""
	})

	if err := c.Send(context.Background(), presence("away")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := c.Stats().Queue.Count; got != 1 {
		t.Errorf("queued during delay = %d, want 1", got)
	}

	waitFor(t, "new session", func() bool { return c.Stats().SessionID == "sess-2" })
	waitFor(t, "presence", func() bool { return len(g.envelopes(gateway.OpPresenceUpdate)) == 1 })

	ops := g.ops()
	identifies, presenceAt := 0, -1
	for i, op := range ops {
		switch op {
		case gateway.OpIdentify:
			identifies++
		case gateway.OpPresenceUpdate:
			presenceAt = i
			if identifies != 2 {
				t.Errorf("presence sent before the second identify (ops %v)", ops)
			}
		}
	}
	if presenceAt < 0 {
		t.Fatalf("no presence in ops %v", ops)
	}
}

func TestConn_MalformedFrameDoesNotBreakSession(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	d := &recordingDispatcher{}
	c := newTestConn(t, testServer(g), socketFactory(t), d)

	connectReady(t, c)
	g.push(`not json`)
	g.push(`{"op":42}`)
	g.push(`{"op":0,"t":"GUILD_CREATE","s":2,"d":{"id":"g1"}}`)

	waitFor(t, "dispatch after noise", func() bool { return d.has(gateway.EventGuildCreate) })
	stats := c.Stats()
	if !stats.Connected || stats.Seq != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted = %d, want 1", got)
	}
}

func TestConn_ConnectionRefusedReconnects(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := dead.URL
	dead.Close()

	c := newTestConn(t, model.Server{ID: "a", URL: url, Token: "tok"}, socketFactory(t), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned %v, want nil for a transient failure", err)
	}

	waitFor(t, "retries", func() bool { return c.Stats().Reconnects >= 2 })
	stats := c.Stats()
	if stats.Connected {
		t.Error("expected not connected")
	}
	if stats.Status() == model.StatusConnected {
		t.Errorf("status = %v, want a retrying status", stats.Status())
	}
	if stats.Intentional {
		t.Error("transient failure must not mark the connection as intentionally closed")
	}
}

func TestConn_UnauthorizedFailsFast(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	g.reject.Store(true)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Connect error = %v, want ErrUnauthorized", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := g.rejected.Load(); got != 1 {
		t.Errorf("handshake attempts = %d, want 1", got)
	}
	if stats := c.Stats(); stats.Reconnecting || stats.Reconnects != 0 {
		t.Errorf("stats = %+v, want no reconnect", stats)
	}
}

func TestConn_NoCredential(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, model.Server{ID: "a", URL: g.url()}, socketFactory(t), nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Connect error = %v, want ErrNoCredential", err)
	}
	if got := g.accepted.Load(); got != 0 {
		t.Errorf("gateway accepted = %d, want 0", got)
	}
}

func TestConn_ClosedRejectsCalls(t *testing.T) {
	g := newMockGateway(t, time.Minute)
	c := newTestConn(t, testServer(g), socketFactory(t), nil)
	ctx := context.Background()

	connectReady(t, c)
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := c.Send(ctx, presence("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if c.Stats().Connected {
		t.Error("expected not connected after Close")
	}
}
