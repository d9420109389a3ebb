package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrTransportClosed indicates the session can no longer accept calls.
var ErrTransportClosed = errors.New("mcp transport closed")

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ServerConfig describes one MCP server whose tools are exposed to the
// model. Command servers speak stdio; URL servers speak streamable HTTP
// unless Transport says "sse".
type ServerConfig struct {
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
}

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

func buildTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if kind == "" {
		if strings.TrimSpace(cfg.Command) != "" {
			kind = TransportStdio
		} else {
			kind = TransportHTTP
		}
	}
	switch kind {
	case TransportStdio:
		command := strings.TrimSpace(cfg.Command)
		if command == "" {
			return nil, fmt.Errorf("mcp %s: stdio command is empty", cfg.Name)
		}
		// #nosec G204 -- command comes from operator configuration
		cmd := exec.CommandContext(ctx, command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		endpoint, err := normalizeHTTPURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp %s: invalid HTTP endpoint: %w", cfg.Name, err)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient(cfg)}, nil
	case TransportSSE:
		endpoint, err := normalizeHTTPURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp %s: invalid SSE endpoint: %w", cfg.Name, err)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient(cfg)}, nil
	default:
		return nil, fmt.Errorf("mcp %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}

func httpClient(cfg ServerConfig) *http.Client {
	if len(cfg.Headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerTransport{headers: cfg.Headers, next: http.DefaultTransport}}
}

type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.next.RoundTrip(clone)
}
