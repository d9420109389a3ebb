// Package config loads the maude YAML configuration, applies environment
// overrides and watches the file for agent policy changes.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvPort       = "PORT"
	EnvBackendURL = "MAUDE_BACKEND_URL"
	EnvModel      = "MAUDE_MODEL"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the root document.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Backend    BackendConfig   `yaml:"backend"`
	Agent      AgentConfig     `yaml:"agent"`
	Store      StoreConfig     `yaml:"store"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	MCPServers []MCPServer     `yaml:"mcp_servers"`
	Log        LogConfig       `yaml:"log"`

	SourcePath string `yaml:"-"`
	SourceHash string `yaml:"-"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr joins host and port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig points at the Ollama server.
type BackendConfig struct {
	URL          string            `yaml:"url"`
	Model        string            `yaml:"model"`
	KeepAlive    string            `yaml:"keep_alive"`
	Options      map[string]any    `yaml:"options"`
	ToolFamilies []string          `yaml:"tool_families"`
	Headers      map[string]string `yaml:"headers"`
	// RateLimit caps backend calls per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// AgentConfig is the hot-reloadable part of the file.
type AgentConfig struct {
	System        string   `yaml:"system"`
	AllowTools    []string `yaml:"allow_tools"`
	DenyTools     []string `yaml:"deny_tools"`
	MaxIterations int      `yaml:"max_iterations"`
	Workspace     string   `yaml:"workspace"`
}

// StoreConfig selects the transcript store.
type StoreConfig struct {
	Driver  string        `yaml:"driver"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TelemetryConfig configures tracing export and attribute masking.
type TelemetryConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	ServiceName string   `yaml:"service_name"`
	Environment string   `yaml:"environment"`
	SampleRatio float64  `yaml:"sample_ratio"`
	Mask        string   `yaml:"mask"`
	Patterns    []string `yaml:"patterns"`
}

// MCPServer declares one MCP server whose tools are registered at start.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// LogConfig selects the log format.
type LogConfig struct {
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3001,
			Heartbeat:       15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			URL:       "http://localhost:11434",
			Model:     "llama3.2",
			KeepAlive: "5m",
		},
		Agent: AgentConfig{MaxIterations: 10},
		Store: StoreConfig{
			Driver:  DriverMemory,
			Timeout: 5 * time.Second,
			Mongo:   MongoConfig{Database: "maude"},
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "maude"},
		},
		Telemetry: TelemetryConfig{ServiceName: "maude"},
		Log:       LogConfig{Format: "text"},
	}
}

// Parse decodes a YAML document on top of the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the
// result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	var raw []byte
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			raw = data
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	cfg.SourcePath = path
	sum := sha256.Sum256(raw)
	cfg.SourceHash = hex.EncodeToString(sum[:])
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvBackendURL); ok && strings.TrimSpace(v) != "" {
		c.Backend.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvModel); ok && strings.TrimSpace(v) != "" {
		c.Backend.Model = strings.TrimSpace(v)
	}
	return nil
}

func (c *Config) normalize() {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Backend.URL = strings.TrimSpace(c.Backend.URL)
	c.Backend.Model = strings.TrimSpace(c.Backend.Model)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Agent.AllowTools = trimAll(c.Agent.AllowTools)
	c.Agent.DenyTools = trimAll(c.Agent.DenyTools)
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	for i := range c.MCPServers {
		c.MCPServers[i].Name = strings.TrimSpace(c.MCPServers[i].Name)
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.Heartbeat < 0 {
		errs = append(errs, errors.New("server.heartbeat must not be negative"))
	}
	if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL))
	}
	if c.Backend.RateLimit < 0 {
		errs = append(errs, errors.New("backend.rate_limit must not be negative"))
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, errors.New("agent.max_iterations must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			errs = append(errs, errors.New("store.dir is required for the file driver"))
		}
	case DriverMongo:
		if strings.TrimSpace(c.Store.Mongo.URI) == "" {
			errs = append(errs, errors.New("store.mongo.uri is required for the mongo driver"))
		}
	case DriverRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is unknown", c.Store.Driver))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v outside [0,1]", r))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is unknown", c.Log.Format))
	}
	seen := make(map[string]struct{}, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d].name is required", i))
			continue
		}
		if _, dup := seen[srv.Name]; dup {
			errs = append(errs, fmt.Errorf("mcp_servers: duplicate name %s", srv.Name))
		}
		seen[srv.Name] = struct{}{}
		if strings.TrimSpace(srv.Command) == "" && strings.TrimSpace(srv.URL) == "" {
			errs = append(errs, fmt.Errorf("mcp_servers.%s needs a command or a url", srv.Name))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalid}, errs...)...)
}

// Marshal renders c as YAML.
func Marshal(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
