package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and calls fn with the new agent
// block if it differs from the previous one. Invalid edits are logged and
// the last good block is kept. The parent directory is watched so editors
// that replace the file on save are handled. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, path string, fn func(AgentConfig)) error {
	return watch(ctx, path, fn, Load)
}

func watch(ctx context.Context, path string, fn func(AgentConfig), loadFn func(string) (Config, error)) error {
	if fn == nil {
		return errors.New("config: watch callback is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	var last AgentConfig
	if cfg, err := loadFn(abs); err == nil {
		last = cfg.Agent
	}
	reload := func() {
		cfg, err := loadFn(abs)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "config reload rejected, keeping last good agent block"}, log.KV{K: "path", V: abs})
			return
		}
		if reflect.DeepEqual(cfg.Agent, last) {
			return
		}
		last = cfg.Agent
		log.Info(ctx, log.KV{K: "msg", V: "config reloaded"}, log.KV{K: "path", V: abs})
		fn(cfg.Agent)
	}

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, log.KV{K: "msg", V: "config watcher error"}, log.KV{K: "err", V: err.Error()})
		case <-timer.C:
			reload()
		}
	}
}
