package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID             = "gatesync"
	DefaultTransport              = TransportSocket
	DefaultHandshakeTimeout       = 10 * time.Second
	DefaultWriteTimeout           = 5 * time.Second
	DefaultReconnectBaseDelay     = 1 * time.Second
	DefaultReconnectMaxDelay      = 30 * time.Second
	DefaultTeardownTimeout        = 5 * time.Second
	DefaultQueueCapacity          = 200
	DefaultHeartbeatMissLimit     = 3
	DefaultConnectConcurrency     = 8
	DefaultInvalidSessionMinDelay = 1 * time.Second
	DefaultInvalidSessionMaxDelay = 5 * time.Second
	DefaultDBPort                 = 5432
	DefaultDBSSLMode              = "prefer"
	DefaultMaxConns               = 4
	DefaultMinConns               = 1
	DefaultStoreTable             = "servers"
	DefaultPollInterval           = 30 * time.Second
	DefaultMetricsPort            = 9090
	DefaultMetricsPath            = "/metrics"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	g := &c.Gateway
	if g.Transport == "" {
		g.Transport = DefaultTransport
	}
	if g.HandshakeTimeout == 0 {
		g.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = DefaultWriteTimeout
	}
	if g.ReconnectBaseDelay == 0 {
		g.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if g.ReconnectMaxDelay == 0 {
		g.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if g.TeardownTimeout == 0 {
		g.TeardownTimeout = DefaultTeardownTimeout
	}
	if g.QueueCapacity == 0 {
		g.QueueCapacity = DefaultQueueCapacity
	}
	if g.HeartbeatMissLimit == 0 {
		g.HeartbeatMissLimit = DefaultHeartbeatMissLimit
	}
	if g.ConnectConcurrency == 0 {
		g.ConnectConcurrency = DefaultConnectConcurrency
	}
	if g.InvalidSessionMinDelay == 0 {
		g.InvalidSessionMinDelay = DefaultInvalidSessionMinDelay
	}
	if g.InvalidSessionMaxDelay == 0 {
		g.InvalidSessionMaxDelay = DefaultInvalidSessionMaxDelay
	}

	if c.Store.Enabled {
		applyDBDefaults(&c.Store.Postgres)
	}
	if c.Store.Table == "" {
		c.Store.Table = DefaultStoreTable
	}
	if c.Store.PollInterval == 0 {
		c.Store.PollInterval = DefaultPollInterval
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
