package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/metrics"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/netstate"
)

// Registry owns the per-server connections and reconciles them against
// the externally supplied server list.
type Registry interface {
	// Start connects the current list and begins reacting to
	// environment changes.
	Start(ctx context.Context) error

	// Stop disconnects everything and stops background work.
	Stop(ctx context.Context) error

	// SetServers replaces the server list and reconciles.
	SetServers(ctx context.Context, servers []model.Server) error

	// ConnectAll creates and connects a connection for every listed server
	// and discards connections whose server is gone or changed.
	ConnectAll(ctx context.Context) error

	// DisconnectAll tears down every connection.
	DisconnectAll(ctx context.Context) error

	// UpdatePresence sends a presence update to every connection.
	UpdatePresence(ctx context.Context, p gateway.PresenceUpdate) error

	// UpdateVoiceState sends a voice state update to one server.
	UpdateVoiceState(ctx context.Context, server model.ServerID, v gateway.VoiceStateUpdate) error

	// Status returns the aggregate status.
	Status() model.Status

	// Latency returns the best heartbeat round trip among connected servers.
	Latency() time.Duration

	// Stats returns per-connection snapshots.
	Stats() RegistryStats
}

// registry implements the Registry interface.
type registry struct {
	cfg     RegistryConfig
	factory TransportFactory
	router  Dispatcher
	metrics *metrics.Recorder
	env     *netstate.State
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Serializes reconciliation so a removed connection is gone before
	// its replacement opens.
	reconcileMu sync.Mutex

	mu      sync.RWMutex
	servers []model.Server
	conns   map[model.ServerID]*Conn

	// Entries the server turned away for good, skipped until the list
	// carries a different URL or token for them.
	rejected map[model.ServerID]model.Server
}

// NewRegistry creates a connection registry. env and rec may be nil.
func NewRegistry(cfg RegistryConfig, factory TransportFactory, router Dispatcher, env *netstate.State, rec *metrics.Recorder, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = netstate.New()
	}
	if cfg.ConnectConcurrency <= 0 {
		cfg.ConnectConcurrency = DefaultRegistryConfig().ConnectConcurrency
	}

	return &registry{
		cfg:     cfg,
		factory: factory,
		router:  router,
		metrics: rec,
		env:     env,
		logger:  logger,
		conns:   make(map[model.ServerID]*Conn),

		rejected: make(map[model.ServerID]model.Server),
	}
}

// Start begins the registry.
func (r *registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.metrics.RegisterStatus(func() float64 { return float64(r.Status()) })
	r.metrics.RegisterConnections(func() float64 { return float64(r.Stats().ConnectedCount) })

	changes, unsubscribe := r.env.Subscribe()
	r.wg.Add(1)
	go r.watchEnvironment(changes, unsubscribe)

	if err := r.ConnectAll(ctx); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}

	r.logger.Info("connection registry started", "connections", len(r.snapshot()))
	return nil
}

// Stop gracefully shuts down.
func (r *registry) Stop(ctx context.Context) error {
	r.logger.Info("stopping connection registry")

	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout, forcing close")
	}

	if err := r.DisconnectAll(ctx); err != nil {
		return err
	}

	r.logger.Info("connection registry stopped")
	return nil
}

// SetServers replaces the external list.
func (r *registry) SetServers(ctx context.Context, servers []model.Server) error {
	r.mu.Lock()
	r.servers = slices.Clone(servers)
	r.mu.Unlock()

	r.logger.Info("server list updated", "servers", len(servers))
	return r.ConnectAll(ctx)
}

// ConnectAll reconciles the connection set against the server list.
// Removed and changed servers are torn down before anything new opens.
func (r *registry) ConnectAll(ctx context.Context) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	desired := r.desired()
	want := make(map[model.ServerID]model.Server, len(desired))
	for _, s := range desired {
		want[s.ID] = s
	}

	r.mu.Lock()
	for id, rej := range r.rejected {
		if s, ok := want[id]; !ok || !s.Equal(rej) {
			delete(r.rejected, id)
		}
	}
	var stale []*Conn
	for id, c := range r.conns {
		if s, ok := want[id]; !ok || !s.Equal(c.Server()) {
			stale = append(stale, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("close %s: %w", c.Server().ID, err)
		}
		r.logger.Info("connection removed", "server", c.Server().ID)
	}

	r.mu.Lock()
	targets := make([]*Conn, 0, len(desired))
	for _, s := range desired {
		c, ok := r.conns[s.ID]
		if !ok {
			if _, rejected := r.rejected[s.ID]; rejected {
				r.logger.Debug("server rejected this credential, not dialing", "server", s.ID)
				continue
			}
			if !s.HasCredential() {
				r.logger.Warn("no credential for server, leaving it unconnected", "server", s.ID)
				continue
			}
			c = newConn(s, r.cfg.Conn, connDeps{
				factory:    r.factory,
				dispatcher: r.router,
				metrics:    r.metrics,
				online:     r.env.Online,
				logger:     r.logger,
			})
			r.conns[s.ID] = c
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.cfg.ConnectConcurrency)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			err := c.Connect(ctx)
			switch {
			case err == nil:
			case AuthExhausted(err) || errors.Is(err, ErrBadEndpoint):
				r.logger.Error("server cannot be connected, removing",
					"server", c.Server().ID,
					"error", err,
				)
				r.mu.Lock()
				r.rejected[c.Server().ID] = c.Server()
				r.mu.Unlock()
				r.remove(ctx, c)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				r.logger.Warn("connect failed", "server", c.Server().ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// desired returns the list to reconcile against: the external list, or
// the default server in single-server mode.
func (r *registry) desired() []model.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.servers) > 0 {
		return slices.Clone(r.servers)
	}
	if r.cfg.Default.ID != "" {
		return []model.Server{r.cfg.Default}
	}
	return nil
}

func (r *registry) remove(ctx context.Context, c *Conn) {
	id := c.Server().ID

	r.mu.Lock()
	if r.conns[id] == c {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if err := c.Close(ctx); err != nil {
		r.logger.Warn("close failed", "server", id, "error", err)
	}
}

// DisconnectAll tears down every connection.
func (r *registry) DisconnectAll(ctx context.Context) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				return fmt.Errorf("close %s: %w", c.Server().ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Info("all connections closed", "count", len(conns))
	return nil
}

// UpdatePresence broadcasts a presence update.
func (r *registry) UpdatePresence(ctx context.Context, p gateway.PresenceUpdate) error {
	env, err := gateway.NewEnvelope(gateway.OpPresenceUpdate, p)
	if err != nil {
		return err
	}

	for _, c := range r.snapshot() {
		if err := c.Send(ctx, env); err != nil && !errors.Is(err, ErrClosed) {
			return fmt.Errorf("presence to %s: %w", c.Server().ID, err)
		}
	}
	return nil
}

// UpdateVoiceState sends a voice state update to one server.
func (r *registry) UpdateVoiceState(ctx context.Context, server model.ServerID, v gateway.VoiceStateUpdate) error {
	r.mu.RLock()
	c, ok := r.conns[server]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	env, err := gateway.NewEnvelope(gateway.OpVoiceStateUpdate, v)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// Status returns the aggregate status.
func (r *registry) Status() model.Status {
	return AggregateStatus(r.connStats())
}

// Latency returns the lowest heartbeat round trip among connected servers,
// zero if none has been measured.
func (r *registry) Latency() time.Duration {
	return bestLatency(r.connStats())
}

// Stats returns current statistics.
func (r *registry) Stats() RegistryStats {
	conns := r.connStats()
	slices.SortFunc(conns, func(a, b ConnStats) int {
		return strings.Compare(string(a.Server), string(b.Server))
	})

	connected := 0
	for _, s := range conns {
		if s.Connected {
			connected++
		}
	}

	return RegistryStats{
		Status:         AggregateStatus(conns),
		Latency:        bestLatency(conns),
		ConnectedCount: connected,
		Connections:    conns,
	}
}

func (r *registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) connStats() []ConnStats {
	conns := r.snapshot()
	stats := make([]ConnStats, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Stats())
	}
	return stats
}

// watchEnvironment reconnects when the network comes back or the client
// regains the foreground. Connect on an open connection is a no-op, so
// the foreground nudge is cheap.
func (r *registry) watchEnvironment(changes <-chan netstate.Change, unsubscribe func()) {
	defer r.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-r.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !change.Recovered() {
				if change.Kind == netstate.KindOnline {
					r.logger.Info("network offline, reconnects paused")
				}
				continue
			}
			r.logger.Info("environment recovered, reconnecting", "online", change.Online, "foreground", change.Foreground)
			if err := r.ConnectAll(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("reconnect after recovery failed", "error", err)
			}
		}
	}
}

// AggregateStatus folds per-connection snapshots into one status. Any
// connected server wins over one connecting, which wins over one waiting
// to reconnect.
func AggregateStatus(conns []ConnStats) model.Status {
	status := model.StatusDisconnected
	for _, c := range conns {
		if s := c.Status(); s > status {
			status = s
		}
	}
	return status
}

func bestLatency(conns []ConnStats) time.Duration {
	var best time.Duration
	for _, c := range conns {
		if !c.Connected || c.Latency <= 0 {
			continue
		}
		if best == 0 || c.Latency < best {
			best = c.Latency
		}
	}
	return best
}
