package config

import (
	"github.com/rickgao/gatesync/internal/backoff"
	"github.com/rickgao/gatesync/internal/connection"
	"github.com/rickgao/gatesync/internal/protocol"
)

// TransportConfig maps the gateway section to transport settings.
func (g GatewayConfig) TransportConfig() connection.TransportConfig {
	tc := connection.DefaultTransportConfig()
	tc.Binding = connection.Binding(g.Transport)
	tc.Compress = g.Compress
	tc.HandshakeTimeout = g.HandshakeTimeout
	tc.WriteTimeout = g.WriteTimeout
	return tc
}

// RegistryConfig maps the configuration to registry settings, including
// the default server used when the server list is empty.
func (c *Config) RegistryConfig() (connection.RegistryConfig, error) {
	g := c.Gateway

	rc := connection.DefaultRegistryConfig()
	rc.Transport = g.TransportConfig()
	rc.ConnectConcurrency = g.ConnectConcurrency

	rc.Conn.Backoff = backoff.Policy{Base: g.ReconnectBaseDelay, Max: g.ReconnectMaxDelay}
	rc.Conn.QueueCapacity = g.QueueCapacity
	rc.Conn.MissLimit = g.HeartbeatMissLimit
	rc.Conn.TeardownTimeout = g.TeardownTimeout
	rc.Conn.InvalidSessionDelay = protocol.InvalidSessionDelay(g.InvalidSessionMinDelay, g.InvalidSessionMaxDelay)
	rc.Conn.Properties.Device = c.Instance.ID

	def, ok, err := c.DefaultServer()
	if err != nil {
		return connection.RegistryConfig{}, err
	}
	if ok {
		rc.Default = def
	}
	return rc, nil
}
