package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type pooled struct {
	client   *Client
	lastUsed time.Time
}

// Pool keeps one lazily dialed session per configured server. Sessions
// idle longer than the TTL are closed by CloseIdle and redialed on the
// next use. Zero TTL disables expiry.
type Pool struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	dial    func(context.Context, ServerConfig) (*Client, error)
	servers map[string]ServerConfig
	items   map[string]*pooled
}

// NewPool creates an empty pool.
func NewPool(ttl time.Duration) *Pool {
	return &Pool{
		ttl:     ttl,
		now:     time.Now,
		dial:    Connect,
		servers: make(map[string]ServerConfig),
		items:   make(map[string]*pooled),
	}
}

// Add registers a server configuration. Names must be unique.
func (p *Pool) Add(cfg ServerConfig) error {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return errors.New("mcp: server name is empty")
	}
	cfg.Name = name
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.servers[name]; exists {
		return fmt.Errorf("mcp: server %s already configured", name)
	}
	p.servers[name] = cfg
	return nil
}

// Servers lists configured server names in sorted order.
func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the configuration registered under name.
func (p *Pool) Config(name string) (ServerConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.servers[name]
	return cfg, ok
}

// Client returns the live session for name, dialing when none is cached
// or the cached one expired. The boolean reports reuse.
func (p *Pool) Client(ctx context.Context, name string) (*Client, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, ok := p.servers[name]
	if !ok {
		return nil, false, fmt.Errorf("mcp: server %s not configured", name)
	}
	if item, ok := p.items[name]; ok {
		if !p.expired(item) {
			item.lastUsed = p.now()
			return item.client, true, nil
		}
		_ = item.client.Close()
		delete(p.items, name)
	}

	client, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, false, err
	}
	p.items[name] = &pooled{client: client, lastUsed: p.now()}
	return client, false, nil
}

// Invalidate closes and forgets the cached session for name so the next
// use redials.
func (p *Pool) Invalidate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[name]; ok {
		_ = item.client.Close()
		delete(p.items, name)
	}
}

// CloseIdle closes sessions idle longer than the TTL.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, item := range p.items {
		if !p.expired(item) {
			continue
		}
		_ = item.client.Close()
		delete(p.items, name)
	}
}

// Reap runs CloseIdle every interval until ctx is done.
func (p *Pool) Reap(ctx context.Context, interval time.Duration) {
	if p.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CloseIdle()
		}
	}
}

// Close tears down every cached session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, item := range p.items {
		if err := item.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: close: %w", name, err))
		}
		delete(p.items, name)
	}
	return errors.Join(errs...)
}

func (p *Pool) expired(item *pooled) bool {
	if p.ttl <= 0 || item == nil {
		return false
	}
	return item.lastUsed.Add(p.ttl).Before(p.now())
}
