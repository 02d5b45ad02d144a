package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/gatesync/internal/auth"
	"github.com/rickgao/gatesync/internal/model"
)

// StaticServers resolves the configured server list. Disabled entries are
// skipped. An entry without a usable credential keeps an empty token so the
// registry can leave it unconnected.
func (c *Config) StaticServers(logger *slog.Logger) ([]model.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	out := make([]model.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Disabled {
			continue
		}
		token, err := resolveToken(s.Token, s.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", s.ID, err)
		}
		if token == "" {
			logger.Warn("server has no credential", "server", s.ID)
		}
		out = append(out, model.Server{ID: model.ServerID(s.ID), URL: s.URL, Token: token})
	}
	return out, nil
}

// DefaultServer returns the local/default server described by the gateway
// section, if a URL is configured.
func (c *Config) DefaultServer() (model.Server, bool, error) {
	if c.Gateway.URL == "" {
		return model.Server{}, false, nil
	}
	token, err := resolveToken(c.Gateway.Token, c.Gateway.TokenPath)
	if err != nil {
		return model.Server{}, false, fmt.Errorf("gateway: %w", err)
	}
	return model.Server{ID: model.DefaultServerID, URL: c.Gateway.URL, Token: token}, true, nil
}

// resolveToken treats a missing credential as empty; unreadable token files
// are errors.
func resolveToken(token, path string) (string, error) {
	creds, err := auth.LoadCredentials(token, path)
	if errors.Is(err, auth.ErrNoCredential) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}
