package config

import "time"

// Config is the root configuration of a gatesync instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Servers  []ServerConfig `yaml:"servers"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// Transport bindings.
const (
	TransportSocket = "socket"
	TransportStream = "stream"
)

// GatewayConfig holds connection settings shared by every server.
//
// URL and Token describe the local/default server used when no server
// list entries exist.
type GatewayConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	TokenPath string `yaml:"token_path"`

	Transport string `yaml:"transport"` // "socket" or "stream"
	Compress  bool   `yaml:"compress"`  // request zlib-stream frames

	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	TeardownTimeout    time.Duration `yaml:"teardown_timeout"`

	QueueCapacity      int `yaml:"queue_capacity"`
	HeartbeatMissLimit int `yaml:"heartbeat_miss_limit"`
	ConnectConcurrency int `yaml:"connect_concurrency"`

	InvalidSessionMinDelay time.Duration `yaml:"invalid_session_min_delay"`
	InvalidSessionMaxDelay time.Duration `yaml:"invalid_session_max_delay"`
}

// ServerConfig is one statically configured server.
type ServerConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	TokenPath string `yaml:"token_path"`
	Disabled  bool   `yaml:"disabled"`
}

// StoreConfig configures the optional Postgres server list source.
type StoreConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Postgres     DBConfig      `yaml:"postgres"`
	Table        string        `yaml:"table"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
