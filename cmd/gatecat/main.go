// Command gatecat connects to one server and prints every dispatched event
// as a JSON line on stdout. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/config"
	"github.com/rickgao/gatesync/internal/connection"
	"github.com/rickgao/gatesync/internal/model"
	"github.com/rickgao/gatesync/internal/router"
)

func main() {
	url := flag.String("url", "", "server base URL (http, https, ws or wss)")
	token := flag.String("token", os.Getenv("GATESYNC_TOKEN"), "credential (default $GATESYNC_TOKEN)")
	tokenFile := flag.String("token-file", "", "read the credential from a file")
	transport := flag.String("transport", config.TransportSocket, "transport binding: socket or stream")
	compress := flag.Bool("compress", false, "request zlib-stream compressed frames")
	events := flag.String("events", router.Wildcard, "event type to print")
	level := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	logger := config.LogConfig{Level: *level, Format: "text"}.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if *url == "" {
		fmt.Fprintln(os.Stderr, "gatecat: -url is required")
		flag.Usage()
		os.Exit(2)
	}

	creds, err := auth.LoadCredentials(*token, *tokenFile)
	if err != nil {
		logger.Error("failed to load credential", "error", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Gateway.Transport = *transport
	cfg.Gateway.Compress = *compress
	cfg.Gateway.URL = *url
	cfg.Gateway.Token = creds.Token

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *events, os.Stdout, logger); err != nil {
		logger.Error("gatecat failed", "error", err)
		os.Exit(1)
	}
}

// line is one printed event.
type line struct {
	Server     model.ServerID  `json:"server"`
	Type       string          `json:"t"`
	Seq        int64           `json:"s,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"d,omitempty"`
}

func run(ctx context.Context, cfg *config.Config, eventType string, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	regCfg, err := cfg.RegistryConfig()
	if err != nil {
		return err
	}
	factory, err := connection.NewTransportFactory(regCfg.Transport)
	if err != nil {
		return err
	}

	rt := router.NewRouter(router.DefaultRouterConfig(), logger)

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	rt.Subscribe(eventType, func(ev router.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line{
			Server:     ev.Server,
			Type:       ev.Type,
			Seq:        ev.Seq,
			ReceivedAt: ev.ReceivedAt,
			Data:       ev.Data,
		}); err != nil {
			logger.Warn("write event", "error", err)
		}
	})
	if err := rt.Start(context.Background()); err != nil {
		return err
	}

	registry := connection.NewRegistry(regCfg, factory, rt, nil, nil, logger)
	if err := registry.Start(ctx); err != nil {
		return err
	}
	if len(registry.Stats().Connections) == 0 {
		registry.Stop(context.Background())
		rt.Stop(context.Background())
		return fmt.Errorf("server %s cannot be connected", regCfg.Default.URL)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Stop(shutdownCtx)
	return rt.Stop(shutdownCtx)
}
