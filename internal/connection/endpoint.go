package connection

import (
	"fmt"
	"net/url"
	"strings"
)

const gatewayPath = "/gateway"

// GatewayURL resolves the socket endpoint of a server:
// http(s)://host[/base] becomes ws(s)://host[/base]/gateway.
func GatewayURL(base string, compress bool) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, gatewayPath) {
		path += gatewayPath
	}
	u.Path = path

	q := u.Query()
	if compress {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// RESTBaseURL resolves the base URL the realtime REST calls are made against.
func RESTBaseURL(base string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), gatewayPath)
	u.RawQuery = ""

	return u.String(), nil
}

func parseBase(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrBadEndpoint, base)
	}
	u.Fragment = ""
	return u, nil
}
