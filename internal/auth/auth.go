// Package auth resolves the per-server bearer credential used for the
// gateway handshake and the realtime REST calls.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rickgao/gatesync/internal/model"
)

// ErrNoCredential means a server has no usable token. Connecting to it
// fails fast instead of retrying.
var ErrNoCredential = errors.New("no credential")

// Credentials holds the bearer token for one server.
type Credentials struct {
	Token  string
	Source string // "inline", a file path, or "server"
}

// LoadCredentials resolves a token given inline or through a file. An inline
// token wins over the file.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if t := strings.TrimSpace(token); t != "" {
		return &Credentials{Token: t, Source: "inline"}, nil
	}
	if tokenPath == "" {
		return nil, ErrNoCredential
	}

	t, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &Credentials{Token: t, Source: tokenPath}, nil
}

// LoadToken reads a token from a file, ignoring surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	t := strings.TrimSpace(string(data))
	if t == "" {
		return "", fmt.Errorf("%s: %w", path, ErrNoCredential)
	}
	return t, nil
}

// ForServer returns the credential carried by a server identity.
func ForServer(s model.Server) (*Credentials, error) {
	if !s.HasCredential() {
		return nil, fmt.Errorf("server %s: %w", s.ID, ErrNoCredential)
	}
	return &Credentials{Token: strings.TrimSpace(s.Token), Source: "server"}, nil
}

// Apply sets the Authorization header.
func (c *Credentials) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+c.Token)
}

// Header returns a fresh header carrying the credential.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	c.Apply(h)
	return h
}

// Redacted returns a form of the token safe to log.
func (c *Credentials) Redacted() string {
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "..." + c.Token[len(c.Token)-2:]
}

// IsRejection reports whether an HTTP status means the credential was
// refused by the server.
func IsRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
