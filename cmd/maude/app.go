package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/agent"
	"github.com/maude-dev/maude/pkg/config"
	"github.com/maude-dev/maude/pkg/mcp"
	"github.com/maude-dev/maude/pkg/model"
	"github.com/maude-dev/maude/pkg/model/ollama"
	"github.com/maude-dev/maude/pkg/store"
	"github.com/maude-dev/maude/pkg/store/filestore"
	"github.com/maude-dev/maude/pkg/store/mongostore"
	"github.com/maude-dev/maude/pkg/store/redisstore"
	"github.com/maude-dev/maude/pkg/telemetry"
	"github.com/maude-dev/maude/pkg/tool"
)

const mcpIdleTTL = 10 * time.Minute

// app holds everything a command needs to run conversations.
type app struct {
	runtime *agent.Runtime
	pool    *mcp.Pool
	pingers []health.Pinger
	closers []func(context.Context) error
}

// newBackend is swapped in tests.
var newBackend = func(cfg config.BackendConfig) model.Backend {
	backend := ollama.New(ollama.Config{
		BaseURL:      cfg.URL,
		KeepAlive:    cfg.KeepAlive,
		Options:      cfg.Options,
		ToolFamilies: cfg.ToolFamilies,
		Headers:      cfg.Headers,
	})
	return model.WithRateLimit(backend, model.NewLimiter(cfg.RateLimit, cfg.Burst))
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{pool: mcp.NewPool(mcpIdleTTL)}
	a.closers = append(a.closers, func(context.Context) error { return a.pool.Close() })

	mgr, err := telemetry.NewManager(telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Filter:      telemetry.FilterConfig{Mask: cfg.Telemetry.Mask, Patterns: cfg.Telemetry.Patterns},
	})
	if err != nil {
		return nil, err
	}
	telemetry.SetDefault(mgr)
	a.closers = append(a.closers, mgr.Shutdown)

	st, err := a.openStore(ctx, cfg.Store)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	registry := tool.NewRegistry()
	for _, srv := range cfg.MCPServers {
		if err := a.pool.Add(mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       srv.Env,
			URL:       srv.URL,
			Headers:   srv.Headers,
			Timeout:   srv.Timeout,
		}); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	if len(cfg.MCPServers) > 0 {
		n := mcp.RegisterTools(ctx, a.pool, registry)
		log.Info(ctx, log.KV{K: "msg", V: "tools ready"}, log.KV{K: "count", V: n})
	}

	rt, err := agent.NewRuntime(agent.Options{
		Backend:      newBackend(cfg.Backend),
		Registry:     registry,
		Store:        st,
		DefaultModel: cfg.Backend.Model,
		Workspace:    cfg.Agent.Workspace,
		Policy:       policyFrom(cfg.Agent),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.runtime = rt
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverFile:
		fs, err := filestore.Open(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return fs.Close() })
		return fs, nil
	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		ms, err := mongostore.New(ctx, mongostore.Options{Client: client, Database: cfg.Mongo.Database, Timeout: cfg.Timeout})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		a.pingers = append(a.pingers, ms)
		return ms, nil
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		rs, err := redisstore.New(redisstore.Options{Client: rdb, Prefix: cfg.Redis.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		a.pingers = append(a.pingers, rs)
		return rs, nil
	default:
		return store.NewMemory(), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func policyFrom(cfg config.AgentConfig) agent.Policy {
	return agent.Policy{
		System:        cfg.System,
		AllowTools:    cfg.AllowTools,
		DenyTools:     cfg.DenyTools,
		MaxIterations: cfg.MaxIterations,
	}
}
