package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/gatesync/internal/config"
	"github.com/rickgao/gatesync/internal/connection"
	"github.com/rickgao/gatesync/internal/database"
	"github.com/rickgao/gatesync/internal/metrics"
	"github.com/rickgao/gatesync/internal/netstate"
	"github.com/rickgao/gatesync/internal/poller"
	"github.com/rickgao/gatesync/internal/router"
	"github.com/rickgao/gatesync/internal/version"
)

const shutdownTimeout = 30 * time.Second

func run(parent context.Context, path string) error {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting gatesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", path,
		"instance_id", cfg.Instance.ID,
		"transport", cfg.Gateway.Transport,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := serverSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	regCfg, err := cfg.RegistryConfig()
	if err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	factory, err := connection.NewTransportFactory(regCfg.Transport)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	rec := metrics.New()
	env := netstate.New()

	rt := router.NewRouter(router.DefaultRouterConfig(), logger.With("component", "router"))
	rt.Subscribe(router.Wildcard, func(ev router.Event) {
		logger.Debug("event",
			"server", ev.Server,
			"type", ev.Type,
			"seq", ev.Seq,
			"bytes", len(ev.Data),
		)
	})
	// Stopped after the registry, not by the signal.
	if err := rt.Start(context.Background()); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	registry := connection.NewRegistry(regCfg, factory, rt, env, rec, logger.With("component", "registry"))

	pollCfg := poller.DefaultConfig()
	pollCfg.Interval = cfg.Store.PollInterval
	pl := poller.New(pollCfg, source, registry, logger.With("component", "poller"))

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHandler(registry, rt, rec, env, cfg.Metrics.Path),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := pl.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	logger.Info("gatesync running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop the list source first so it cannot reopen connections.
	if err := pl.Stop(shutdownCtx); err != nil {
		logger.Warn("poller stop", "error", err)
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		logger.Warn("registry stop", "error", err)
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("gatesync stopped")
	return nil
}

// serverSource returns the Postgres-backed list when the store is enabled,
// otherwise the static list from the config file.
func serverSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (poller.ServerSource, func(), error) {
	if !cfg.Store.Enabled {
		servers, err := cfg.StaticServers(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("static servers: %w", err)
		}
		logger.Info("using static server list", "servers", len(servers))
		return poller.StaticSource(servers), func() {}, nil
	}

	pg := cfg.Store.Postgres
	logger.Info("connecting to server store",
		"host", pg.Host,
		"port", pg.Port,
		"database", pg.Name,
		"table", cfg.Store.Table,
	)
	pool, err := database.Connect(ctx, pg, cfg.Instance.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("connect server store: %w", err)
	}
	return database.NewServerStore(pool, cfg.Store.Table, logger.With("component", "store")), pool.Close, nil
}
