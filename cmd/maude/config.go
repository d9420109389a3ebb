package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maude-dev/maude/pkg/config"
)

const (
	configDirName  = ".maude"
	configFileName = "config.yaml"
	redactedValue  = "********"
)

func configCommand(argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to the YAML config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: maude config [flags] <init|show|path>")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  init   Write a config file with defaults")
		fmt.Fprintln(streams.err, "  show   Print the effective config (file, env and defaults merged)")
		fmt.Fprintln(streams.err, "  path   Print the resolved config path")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
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
	args := set.Args()
	if len(args) == 0 {
		set.Usage()
		return errors.New("config expects a subcommand")
	}
	switch sub := args[0]; sub {
	case "init":
		return configInit(resolved, streams.out)
	case "show":
		return configShow(resolved, streams.out)
	case "path":
		if streams.out != nil {
			fmt.Fprintln(streams.out, resolved)
		}
		return nil
	default:
		return fmt.Errorf("unknown config subcommand %q", sub)
	}
}

func configInit(path string, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check config: %w", err)
	}
	if err := ensureConfigDir(path); err != nil {
		return err
	}
	data, err := config.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if out != nil {
		fmt.Fprintf(out, "created %s\n", path)
	}
	return nil
}

func configShow(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = redactedValue
	}
	if cfg.Store.Mongo.URI != "" {
		cfg.Store.Mongo.URI = redactURI(cfg.Store.Mongo.URI)
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	if out != nil {
		_, err = out.Write(data)
	}
	return err
}

// redactURI masks the password of a user:password@host URI.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return uri
	}
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return uri
	}
	return scheme + "://" + user + ":" + redactedValue + "@" + host
}

func ensureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", configFileName)
	}
	return filepath.Join(home, configDirName, configFileName)
}

func expandConfigPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = defaultConfigPath()
	}
	if trimmed == "~" {
		trimmed = filepath.Join("~", configDirName, configFileName)
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~/"))
	}
	clean := filepath.Clean(trimmed)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Abs(clean)
}
