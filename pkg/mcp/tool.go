package mcp

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/tool"
)

// RemoteTool proxies one server tool through the pool.
type RemoteTool struct {
	pool   *Pool
	server string
	desc   ToolDescriptor
}

var _ tool.Tool = (*RemoteTool)(nil)

func (t *RemoteTool) Name() string           { return t.desc.Name }
func (t *RemoteTool) Description() string    { return t.desc.Description }
func (t *RemoteTool) Schema() map[string]any { return t.desc.Schema }

// Server returns the name of the server that serves the tool.
func (t *RemoteTool) Server() string { return t.server }

// Execute calls the tool on its server. The workspace is not forwarded;
// servers are configured with their own roots. A transport failure drops
// the cached session so the next call redials.
func (t *RemoteTool) Execute(ctx context.Context, params map[string]any, _ string) (tool.Result, error) {
	client, _, err := t.pool.Client(ctx, t.server)
	if err != nil {
		return tool.Result{}, err
	}
	if cfg, ok := t.pool.Config(t.server); ok && cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	res, err := client.CallTool(ctx, t.desc.Name, params)
	if err != nil {
		t.pool.Invalidate(t.server)
		return tool.Result{}, err
	}
	return tool.Result{Content: res.Text, IsError: res.IsError}, nil
}

// RegisterTools lists the tools of every configured server and registers
// them in reg. A server that cannot be reached is logged and skipped; a
// name already taken by another tool is skipped too. It returns the number
// of tools registered.
func RegisterTools(ctx context.Context, pool *Pool, reg *tool.Registry) int {
	registered := 0
	for _, server := range pool.Servers() {
		client, _, err := pool.Client(ctx, server)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mcp server unavailable"}, log.KV{K: "server", V: server})
			continue
		}
		descs, err := client.ListTools(ctx)
		if err != nil {
			pool.Invalidate(server)
			log.Error(ctx, err, log.KV{K: "msg", V: "mcp list tools failed"}, log.KV{K: "server", V: server})
			continue
		}
		for _, desc := range descs {
			if err := reg.Register(&RemoteTool{pool: pool, server: server, desc: desc}); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: fmt.Sprintf("mcp tool skipped: %v", err)}, log.KV{K: "server", V: server})
				continue
			}
			registered++
		}
		log.Info(ctx, log.KV{K: "msg", V: "mcp tools registered"}, log.KV{K: "server", V: server}, log.KV{K: "count", V: len(descs)})
	}
	return registered
}
