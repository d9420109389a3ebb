// Package mcp exposes tools served by Model Context Protocol servers to
// the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const clientName = "maude"

// ToolDescriptor describes a tool announced by a server.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CallResult is the flattened outcome of tools/call.
type CallResult struct {
	Text    string
	IsError bool
}

// Client wraps one SDK client session.
type Client struct {
	cfg     ServerConfig
	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// Connect dials the server described by cfg and performs the initialize
// handshake.
func Connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	transport, err := transportBuilder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return connectTransport(ctx, cfg, transport)
}

func connectTransport(ctx context.Context, cfg ServerConfig, transport mcpsdk.Transport) (*Client, error) {
	impl := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: "1.0.0"}, nil)
	session, err := impl.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: connect: %w", cfg.Name, err)
	}
	return &Client{cfg: cfg, session: session}, nil
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// ListTools fetches every tool the server declares, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	var tools []ToolDescriptor
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp %s: list tools: %w", c.cfg.Name, err)
		}
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaMap(t.InputSchema),
		})
	}
	return tools, nil
}

// CallTool invokes a remote tool and joins its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	session, err := c.current()
	if err != nil {
		return CallResult{}, err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallResult{}, fmt.Errorf("mcp %s: call %s: %w", c.cfg.Name, name, err)
	}
	return CallResult{Text: joinContent(res), IsError: res.IsError}, nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *Client) current() (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrTransportClosed
	}
	return c.session, nil
}

func joinContent(res *mcpsdk.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		switch c := content.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, c.Text)
		case nil:
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}

func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
