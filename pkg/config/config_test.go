package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	require.NoError(t, err)
	require.Equal(t, 3001, cfg.Server.Port)
	require.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	require.Equal(t, 10, cfg.Agent.MaxIterations)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.NotEmpty(t, cfg.SourceHash)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maude.yaml")
	writeFile(t, path, `
server:
  port: 4000
  heartbeat: 2s
backend:
  url: http://gpu-box:11434
  model: qwen2.5:7b
  options:
    temperature: 0.2
    num_ctx: 8192
agent:
  system: " be terse "
  deny_tools: [" shell ", ""]
  max_iterations: 4
store:
  driver: FILE
  dir: /var/lib/maude
mcp_servers:
  - name: fs
    command: mcp-fs
    args: ["--root", "/tmp"]
`)
	cfg, err := load(path, envMap(map[string]string{EnvPort: "5005", EnvModel: "llama3.1"}))
	require.NoError(t, err)
	require.Equal(t, 5005, cfg.Server.Port)
	require.Equal(t, 2*time.Second, cfg.Server.Heartbeat)
	require.Equal(t, "http://gpu-box:11434", cfg.Backend.URL)
	require.Equal(t, "llama3.1", cfg.Backend.Model)
	require.Equal(t, 0.2, cfg.Backend.Options["temperature"])
	require.Equal(t, []string{"shell"}, cfg.Agent.DenyTools)
	require.Equal(t, 4, cfg.Agent.MaxIterations)
	require.Equal(t, DriverFile, cfg.Store.Driver)
	require.Equal(t, []string{"--root", "/tmp"}, cfg.MCPServers[0].Args)
	require.Equal(t, path, cfg.SourcePath)
	require.Equal(t, "127.0.0.1:5005", cfg.Server.Addr())
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maude.yaml")

	writeFile(t, path, "sever:\n  port: 1\n")
	_, err := load(path, noEnv)
	require.ErrorContains(t, err, "decode")

	writeFile(t, path, "server:\n  port: 1\n")
	_, err = load(path, envMap(map[string]string{EnvPort: "eighty"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	cfg.Backend.URL = "localhost"
	cfg.Store.Driver = DriverMongo
	cfg.Telemetry.SampleRatio = 2
	cfg.MCPServers = []MCPServer{{Name: "a", URL: "http://x"}, {Name: "a"}, {}}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"server.port", "backend.url", "store.mongo.uri", "sample_ratio",
		"duplicate name a", "needs a command or a url", "mcp_servers[2].name",
	} {
		require.ErrorContains(t, err, want)
	}
	require.NoError(t, Default().Validate())
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Agent.AllowTools = []string{"search"}
	data, err := Marshal(cfg)
	require.NoError(t, err)
	require.Contains(t, string(data), "heartbeat: 15s")

	back, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, cfg.Agent, back.Agent)
	require.Equal(t, cfg.Server, back.Server)
}

func TestWatchReloadsAgentBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maude.yaml")
	writeFile(t, path, "agent:\n  max_iterations: 3\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AgentConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, func(a AgentConfig) { updates <- a }, func(p string) (Config, error) {
			return load(p, noEnv)
		})
	}()

	// give the watcher time to register before editing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "agent:\n  max_iterations: [broken\n")
	time.Sleep(250 * time.Millisecond)
	writeFile(t, path, "agent:\n  max_iterations: 6\n  allow_tools: [search]\n")

	select {
	case got := <-updates:
		require.Equal(t, 6, got.MaxIterations)
		require.Equal(t, []string{"search"}, got.AllowTools)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	require.Error(t, Watch(context.Background(), "x.yaml", nil))
}
