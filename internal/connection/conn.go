package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/gatesync/internal/backoff"
	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/metrics"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/outbox"
	"github.com/rickgao/gatesync/internal/protocol"
)

// Dispatcher receives dispatched events. router.Router satisfies it.
type Dispatcher interface {
	Dispatch(server model.ServerID, env gateway.Envelope, receivedAt time.Time) bool
}

// connDeps are the collaborators the registry hands to each connection.
type connDeps struct {
	factory    TransportFactory
	dispatcher Dispatcher
	metrics    *metrics.Recorder
	online     func() bool
	logger     *slog.Logger
}

type requestKind int

const (
	reqConnect requestKind = iota
	reqDisconnect
	reqSend
)

type request struct {
	kind  requestKind
	env   gateway.Envelope
	reply chan error
}

type reply struct {
	ch  chan error
	err error
}

type dialResult struct {
	gen       uint64
	transport Transport
	handshake Handshake
	err       error
}

// Conn owns one server's session: its transport, protocol state, outbound
// queue and reconnect timer. All of that is mutated only by the run
// goroutine; the exported methods talk to it over channels.
type Conn struct {
	server model.Server
	cfg    ConnConfig
	deps   connDeps
	logger *slog.Logger

	sf      singleflight.Group
	queue   *outbox.Queue[gateway.Envelope]
	backoff *backoff.Scheduler

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	dials    chan dialResult
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu   sync.RWMutex
	snap ConnStats

	// Owned by run.
	pcfg        protocol.Config
	state       protocol.State
	transport   Transport
	retired     Transport // last transport, awaited before the next open
	dialing     Transport // transport being opened
	dialGen     uint64
	dialCancel  context.CancelFunc
	waiters     []chan error
	replies     []reply // sent after the snapshot is published
	intentional bool
	draining    bool // queued commands still being flushed
	fatal       error
	heartbeat   *time.Ticker
	identify    *time.Timer
	reconnects  int64
}

// flushBatch bounds how many queued commands one loop turn writes. Stream
// commands are HTTP round trips, so a full queue would otherwise hold up
// frames, timers and Disconnect until it is empty.
const flushBatch = 16

// always is a closed channel; receiving from it never blocks.
var always = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func newConn(server model.Server, cfg ConnConfig, deps connDeps) *Conn {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultConnConfig().TeardownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		server:   server,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.logger.With("server", server.ID),
		queue:    outbox.New[gateway.Envelope](cfg.QueueCapacity),
		backoff:  backoff.NewScheduler(cfg.Backoff, deps.online),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		dials:    make(chan dialResult),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		pcfg: protocol.Config{
			Token:               server.Token,
			MissLimit:           cfg.MissLimit,
			InvalidSessionDelay: cfg.InvalidSessionDelay,
			Properties:          cfg.Properties,
		},
	}
	c.publish()

	go c.run()
	return c
}

// Server returns the server identity this connection is bound to.
func (c *Conn) Server() model.Server {
	return c.server
}

// Connect opens the transport unless it is already open. Concurrent
// callers share one attempt. Transient failures are not returned; they
// show up in Stats and are retried by the backoff scheduler. Only
// exhausted authentication and a closed connection are errors.
func (c *Conn) Connect(ctx context.Context) error {
	ch := c.sf.DoChan("connect", func() (any, error) {
		return nil, c.call(reqConnect, gateway.Envelope{})
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the transport on purpose. The connection will not
// reconnect until Connect is called again, and queued commands are dropped.
func (c *Conn) Disconnect(ctx context.Context) error {
	return c.callContext(ctx, reqDisconnect, gateway.Envelope{})
}

// Send writes the envelope if the session is ready, queues it if the
// connection is still meant to be up, and drops it after Disconnect.
func (c *Conn) Send(ctx context.Context, env gateway.Envelope) error {
	return c.callContext(ctx, reqSend, env)
}

// Close disconnects and stops the connection for good.
func (c *Conn) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.quit) })

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the latest snapshot.
func (c *Conn) Stats() ConnStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	s.Queue = c.queue.Stats()
	return s
}

func (c *Conn) call(kind requestKind, env gateway.Envelope) error {
	return c.callContext(context.Background(), kind, env)
}

func (c *Conn) callContext(ctx context.Context, kind requestKind, env gateway.Envelope) error {
	req := request{kind: kind, env: env, reply: make(chan error, 1)}

	select {
	case c.requests <- req:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the connection's event loop.
func (c *Conn) run() {
	defer close(c.stopped)

	for {
		var frames <-chan TimestampedFrame
		var closed <-chan struct{}
		if c.transport != nil {
			frames = c.transport.Frames()
			closed = c.transport.Done()
		}
		var beat <-chan time.Time
		if c.heartbeat != nil {
			beat = c.heartbeat.C
		}
		var ident <-chan time.Time
		if c.identify != nil {
			ident = c.identify.C
		}
		var more <-chan struct{}
		if c.draining {
			more = always
		}

		select {
		case <-c.quit:
			c.shutdown()
			c.reply()
			return

		case req := <-c.requests:
			c.handle(req)

		case res := <-c.dials:
			c.dialed(res)

		case tf := <-frames:
			c.receive(tf)

		case <-closed:
			t := c.transport
			c.drain(t)
			if c.transport == t {
				c.logger.Warn("transport lost", "error", t.Err())
				c.dropTransport("transport lost")
			}

		case <-beat:
			c.step(protocol.HeartbeatDue{}, time.Time{})

		case <-ident:
			c.identify = nil
			c.step(protocol.IdentifyDue{}, time.Time{})

		case <-c.backoff.C():
			if c.transport == nil && c.dialing == nil && !c.intentional {
				c.startDial()
			}

		case <-more:
			c.flush()
		}

		c.publish()
		c.reply()
	}
}

func (c *Conn) handle(req request) {
	switch req.kind {
	case reqConnect:
		c.intentional = false
		c.fatal = nil
		c.backoff.Resume()
		if c.transport != nil {
			c.respond(req.reply, nil)
			return
		}
		c.waiters = append(c.waiters, req.reply)
		if c.dialing == nil {
			c.backoff.Cancel()
			c.startDial()
		}

	case reqDisconnect:
		c.teardown(ErrClosed)
		c.logger.Info("disconnected")
		c.respond(req.reply, nil)

	case reqSend:
		c.respond(req.reply, c.send(req.env))
	}
}

func (c *Conn) send(env gateway.Envelope) error {
	if c.intentional {
		return nil
	}
	if c.transport != nil && c.state.Phase == protocol.PhaseReady && !c.draining {
		if c.write(env) == nil {
			return nil
		}
	}
	if !c.queue.Push(env) {
		c.logger.Warn("outbound queue full, dropping command",
			"op", env.Op,
			"capacity", c.queue.Cap(),
		)
		c.deps.metrics.CommandDropped(string(c.server.ID))
	}
	return nil
}

// teardown stops everything and marks the connection as intentionally
// closed, all within one turn of the loop.
func (c *Conn) teardown(reason error) {
	c.intentional = true
	c.backoff.Halt()
	c.stopHeartbeat()
	c.stopIdentify()

	if c.dialing != nil {
		c.dialCancel()
		c.retired = c.dialing
		c.dialing = nil
		c.dialGen++
	}
	c.answer(reason)

	if c.transport != nil {
		c.dropTransport("disconnect")
	}
	c.state, _ = protocol.Step(c.pcfg, c.state, protocol.Closed{}, time.Now())

	if n := c.queue.Clear(); n > 0 {
		c.logger.Debug("dropped queued commands", "count", n)
	}
}

func (c *Conn) shutdown() {
	c.teardown(ErrClosed)
	c.cancel()
	c.publish()
}

// startDial creates a transport and opens it in the background, after the
// previous transport finished tearing down.
func (c *Conn) startDial() {
	t, err := c.deps.factory(c.server, c.logger)
	if err != nil {
		c.fail(err)
		return
	}

	c.dialGen++
	gen := c.dialGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.dialing = t
	c.dialCancel = cancel
	c.step(protocol.Connecting{}, time.Time{})

	resume := Resume{SessionID: c.state.SessionID, Seq: c.state.Seq}
	go c.dial(ctx, gen, t, c.retired, resume)
}

func (c *Conn) dial(ctx context.Context, gen uint64, t, prev Transport, resume Resume) {
	if prev != nil {
		timer := time.NewTimer(c.cfg.TeardownTimeout)
		select {
		case <-prev.Done():
		case <-timer.C:
			c.logger.Warn("previous transport still closing, opening anyway",
				"timeout", c.cfg.TeardownTimeout,
			)
		case <-ctx.Done():
		}
		timer.Stop()
	}

	var hs Handshake
	err := ctx.Err()
	if err == nil {
		hs, err = t.Open(ctx, resume)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		t.Close()
	}

	select {
	case c.dials <- dialResult{gen: gen, transport: t, handshake: hs, err: err}:
	case <-c.quit:
		t.Close()
	}
}

func (c *Conn) dialed(res dialResult) {
	if res.gen != c.dialGen || c.dialing != res.transport {
		res.transport.Close()
		return
	}

	c.dialCancel()
	c.dialing = nil
	c.retired = res.transport

	if res.err != nil {
		c.state, _ = protocol.Step(c.pcfg, c.state, protocol.Closed{}, time.Now())
		if AuthExhausted(res.err) {
			c.fail(res.err)
			return
		}
		c.logger.Warn("connect failed", "error", res.err)
		c.answer(nil)
		c.scheduleReconnect()
		return
	}

	c.transport = res.transport
	c.pcfg.Mode = res.transport.Mode()
	c.logger.Info("transport opened",
		"resume", c.state.CanResume(),
		"seq", c.state.Seq,
	)
	c.step(protocol.Opened{SessionID: res.handshake.SessionID, Cursor: res.handshake.Cursor}, time.Time{})
	c.answer(nil)
}

// fail records an error that retrying cannot fix.
func (c *Conn) fail(err error) {
	c.fatal = err
	c.backoff.Cancel()
	c.logger.Error("connection failed permanently", "error", err)
	c.answer(err)
}

// answer resolves every Connect waiting on the current attempt.
func (c *Conn) answer(err error) {
	for _, w := range c.waiters {
		c.respond(w, err)
	}
	c.waiters = nil
}

func (c *Conn) respond(ch chan error, err error) {
	c.replies = append(c.replies, reply{ch: ch, err: err})
}

func (c *Conn) reply() {
	for _, r := range c.replies {
		r.ch <- r.err
	}
	c.replies = nil
}

func (c *Conn) scheduleReconnect() {
	if c.intentional || c.fatal != nil {
		return
	}
	delay, ok := c.backoff.Schedule()
	if !ok {
		c.logger.Debug("reconnect not armed",
			"halted", c.backoff.Halted(),
			"pending", c.backoff.Pending(),
		)
		return
	}
	c.reconnects++
	c.deps.metrics.ReconnectScheduled(string(c.server.ID))
	c.logger.Info("reconnect scheduled",
		"delay", delay,
		"attempt", c.backoff.Attempt(),
	)
}

// dropTransport closes the open transport and hands over to the backoff
// scheduler unless the close was intentional.
func (c *Conn) dropTransport(reason string) {
	t := c.transport
	if t == nil {
		return
	}
	c.transport = nil
	c.retired = t
	c.draining = false
	t.Close()

	c.stopIdentify()
	c.step(protocol.Closed{}, time.Time{})
	c.logger.Debug("transport closed", "reason", reason)

	c.scheduleReconnect()
}

// drain delivers frames that arrived before the transport went away.
func (c *Conn) drain(t Transport) {
	for c.transport == t {
		select {
		case tf := <-t.Frames():
			c.receive(tf)
		default:
			return
		}
	}
}

func (c *Conn) receive(tf TimestampedFrame) {
	env, err := gateway.Decode(tf.Frame)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, gateway.ErrUnknownOpcode) {
			reason = "unknown_opcode"
		}
		c.logger.Warn("dropping undecodable frame", "error", err)
		c.deps.metrics.FrameDropped(string(c.server.ID), reason)
		return
	}
	c.step(protocol.Received{Env: env}, tf.ReceivedAt)
}

func (c *Conn) step(ev protocol.Event, receivedAt time.Time) {
	var effects []protocol.Effect
	c.state, effects = protocol.Step(c.pcfg, c.state, ev, time.Now())
	for _, eff := range effects {
		c.apply(eff, receivedAt)
	}
}

func (c *Conn) apply(eff protocol.Effect, receivedAt time.Time) {
	id := string(c.server.ID)

	switch e := eff.(type) {
	case protocol.Send:
		c.write(e.Env)

	case protocol.StartHeartbeat:
		c.stopHeartbeat()
		c.heartbeat = time.NewTicker(e.Interval)

	case protocol.StopHeartbeat:
		c.stopHeartbeat()

	case protocol.CloseTransport:
		c.logger.Info("closing transport", "reason", e.Reason)
		c.dropTransport(e.Reason)

	case protocol.ScheduleIdentify:
		c.stopIdentify()
		c.identify = time.NewTimer(e.Delay)
		c.logger.Info("session invalidated, identifying again", "delay", e.Delay)

	case protocol.Dispatch:
		c.deps.metrics.EventDispatched(id, e.Env.T)
		if c.deps.dispatcher != nil && !c.deps.dispatcher.Dispatch(c.server.ID, e.Env, receivedAt) {
			c.logger.Warn("event dropped by router", "event", e.Env.T)
		}

	case protocol.SessionReady:
		c.backoff.Reset()
		c.deps.metrics.SessionReady(id, e.Resumed)
		c.logger.Info("session ready",
			"session_id", e.SessionID,
			"resumed", e.Resumed,
		)
		if n := c.queue.Len(); n > 0 {
			c.logger.Debug("flushing queued commands", "count", n)
			c.draining = true
			c.flush()
		}

	case protocol.LatencySample:
		c.deps.metrics.HeartbeatRTT(id, e.RTT)

	case protocol.Drop:
		c.logger.Warn("dropping frame", "op", e.Env.Op, "reason", e.Reason)
		c.deps.metrics.FrameDropped(id, e.Reason)
	}
}

// write sends on the open transport. A failed socket write loses the
// transport; a failed stream command is logged and dropped.
func (c *Conn) write(env gateway.Envelope) error {
	t := c.transport
	if t == nil {
		return ErrNotConnected
	}

	err := t.Send(c.ctx, env)
	if err == nil {
		return nil
	}
	if t.Mode() == protocol.ModeStream {
		c.logger.Warn("command failed", "op", env.Op, "error", err)
		c.deps.metrics.CommandDropped(string(c.server.ID))
		return nil
	}

	c.logger.Warn("write failed", "op", env.Op, "error", err)
	c.dropTransport("write failed")
	return err
}

// flush writes up to flushBatch queued commands in order and leaves the
// rest for the next turn of the loop. Sends made meanwhile queue behind
// them. A command that cannot be written goes back to the front for the
// next session.
func (c *Conn) flush() {
	for i := 0; i < flushBatch; i++ {
		if c.transport == nil || c.state.Phase != protocol.PhaseReady {
			c.draining = false
			return
		}
		env, ok := c.queue.Pop()
		if !ok {
			c.draining = false
			return
		}
		if c.write(env) != nil {
			c.queue.Requeue(env)
			return
		}
	}
	if c.queue.Len() == 0 {
		c.draining = false
	}
}

func (c *Conn) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Conn) stopIdentify() {
	if c.identify != nil {
		c.identify.Stop()
		c.identify = nil
	}
}

func (c *Conn) publish() {
	s := ConnStats{
		Server:       c.server.ID,
		Connected:    c.transport != nil,
		Connecting:   c.dialing != nil,
		Reconnecting: c.backoff.Pending(),
		Intentional:  c.intentional,
		Phase:        c.state.Phase.String(),
		SessionID:    c.state.SessionID,
		Seq:          c.state.Seq,
		Latency:      c.state.Latency,
		Attempt:      c.backoff.Attempt(),
		Reconnects:   c.reconnects,
	}

	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}
