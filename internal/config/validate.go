package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Gateway.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if s.ID == "" {
			return fmt.Errorf("%s.id is required", prefix)
		}
		if seen[s.ID] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, s.ID)
		}
		seen[s.ID] = true
		if err := validateURL(prefix+".url", s.URL); err != nil {
			return err
		}
	}

	if c.Store.Enabled {
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
		if !tableName.MatchString(c.Store.Table) {
			return fmt.Errorf("store.table %q is not a valid table name", c.Store.Table)
		}
		if c.Store.PollInterval <= 0 {
			return errors.New("store.poll_interval must be > 0")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (g *GatewayConfig) validate() error {
	if g.URL != "" {
		if err := validateURL("gateway.url", g.URL); err != nil {
			return err
		}
	}
	switch g.Transport {
	case TransportSocket, TransportStream:
	default:
		return fmt.Errorf("gateway.transport must be %q or %q, got %q", TransportSocket, TransportStream, g.Transport)
	}
	if g.ReconnectBaseDelay <= 0 {
		return errors.New("gateway.reconnect_base_delay must be > 0")
	}
	if g.ReconnectMaxDelay < g.ReconnectBaseDelay {
		return fmt.Errorf("gateway.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			g.ReconnectMaxDelay, g.ReconnectBaseDelay)
	}
	if g.QueueCapacity < 1 {
		return errors.New("gateway.queue_capacity must be >= 1")
	}
	if g.HeartbeatMissLimit < 1 {
		return errors.New("gateway.heartbeat_miss_limit must be >= 1")
	}
	if g.ConnectConcurrency < 1 {
		return errors.New("gateway.connect_concurrency must be >= 1")
	}
	if g.InvalidSessionMaxDelay < g.InvalidSessionMinDelay {
		return fmt.Errorf("gateway.invalid_session_max_delay (%s) cannot be less than invalid_session_min_delay (%s)",
			g.InvalidSessionMaxDelay, g.InvalidSessionMinDelay)
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s must use http, https, ws or wss, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", field, raw)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
