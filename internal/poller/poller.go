package poller

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/gatesync/internal/model"
)

// ServerSource provides the current server list.
type ServerSource interface {
	ListServers(ctx context.Context) ([]model.Server, error)
}

// StaticSource is a fixed server list.
type StaticSource []model.Server

// ListServers returns a copy of the list.
func (s StaticSource) ListServers(context.Context) ([]model.Server, error) {
	return slices.Clone([]model.Server(s)), nil
}

// ServerSink receives changed server lists.
type ServerSink interface {
	SetServers(ctx context.Context, servers []model.Server) error
}

// ServerSinkFunc is a function adapter for ServerSink.
type ServerSinkFunc func(context.Context, []model.Server) error

func (f ServerSinkFunc) SetServers(ctx context.Context, servers []model.Server) error {
	return f(ctx, servers)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 30s)
	Timeout  time.Duration // Per-poll source and sink timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Poller periodically reads the server list and forwards changes.
type Poller struct {
	cfg    Config
	source ServerSource
	sink   ServerSink
	logger *slog.Logger

	mu        sync.Mutex
	last      []model.Server
	delivered bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, source ServerSource, sink ServerSink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: logger,
	}
}

// Start begins the polling loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("server list poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("server list poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollNow(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollNow(p.ctx)
		}
	}
}

// PollNow reads the source once and forwards the list if it changed since
// the last successful delivery. It reports whether the sink was called.
func (p *Poller) PollNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	servers, err := p.source.ListServers(ctx)
	if err != nil {
		p.logger.Warn("failed to read server list, keeping previous", "err", err)
		return false
	}
	servers = normalize(servers)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.delivered && sameServers(p.last, servers) {
		return false
	}

	if err := p.sink.SetServers(ctx, servers); err != nil {
		p.logger.Warn("failed to apply server list", "servers", len(servers), "err", err)
		return true
	}

	p.logger.Info("server list changed",
		"servers", len(servers),
		"previous", len(p.last),
	)
	p.last = servers
	p.delivered = true
	return true
}

// normalize sorts by id and drops later duplicates.
func normalize(servers []model.Server) []model.Server {
	out := slices.Clone(servers)
	slices.SortStableFunc(out, func(a, b model.Server) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return slices.CompactFunc(out, func(a, b model.Server) bool { return a.ID == b.ID })
}

func sameServers(a, b []model.Server) bool {
	return slices.EqualFunc(a, b, model.Server.Equal)
}
