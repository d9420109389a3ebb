package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/maude-dev/maude/pkg/config"
	"github.com/maude-dev/maude/pkg/server"
)

const reapInterval = time.Minute

func serveCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	set.SetOutput(streams.err)
	host := set.String("host", "", "Address to bind (overrides server.host).")
	port := set.Int("port", -1, "Port for the HTTP server (overrides server.port and $PORT).")
	configFlag := set.String("config", cfgPath, "Path to the YAML config file.")
	watchFlag := set.Bool("watch", true, "Reload the agent block when the config file changes.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: maude serve [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRoutes:")
		fmt.Fprintln(streams.err, "  POST /api/chat  Stream canonical events via SSE")
		fmt.Fprintln(streams.err, "  GET  /health    Health probe")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	resolved, err := expandConfigPath(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return err
	}
	if h := strings.TrimSpace(*host); h != "" {
		cfg.Server.Host = h
	}
	if *port >= 0 {
		if *port > 65535 {
			return fmt.Errorf("invalid port %d", *port)
		}
		cfg.Server.Port = *port
	}
	ctx = withLogger(ctx, cfg.Log, streams.err)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "shutdown cleanup failed"})
		}
	}()

	handler := server.New(ctx, a.runtime, server.Options{
		Heartbeat: cfg.Server.Heartbeat,
		Pingers:   a.pingers,
	})
	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	addr := listener.Addr().String()
	if streams.out != nil {
		fmt.Fprintf(streams.out, "maude serve listening on http://%s\n", addr)
	}
	log.Info(ctx, log.KV{K: "msg", V: "server started"}, log.KV{K: "addr", V: addr}, log.KV{K: "model", V: cfg.Backend.Model}, log.KV{K: "store", V: cfg.Store.Driver})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.pool.Reap(gctx, reapInterval)
		return nil
	})
	if *watchFlag && watchable(cfg.SourcePath) {
		g.Go(func() error {
			return config.Watch(gctx, cfg.SourcePath, func(agentCfg config.AgentConfig) {
				a.runtime.SetPolicy(policyFrom(agentCfg))
			})
		})
	}
	return g.Wait()
}

func watchable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}
