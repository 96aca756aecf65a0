package core

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads a TOML config file whenever it changes on disk and applies
// the settings that can change at runtime (currently the log level). Structural device
// settings are picked up on the next start.
type ConfigWatcher struct {
	path     string
	events   *EventBus
	onReload func(*Config)

	mu      sync.Mutex
	current *Config

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewConfigWatcher(path string, initial *Config, events *EventBus, onReload func(*Config)) (*ConfigWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}
	// Watch the directory: editors commonly replace the file instead of writing in place.
	if err := fsWatch.Add(filepath.Dir(path)); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "watching %q", path)
	}
	cw := &ConfigWatcher{
		path:     filepath.Clean(path),
		events:   events,
		onReload: onReload,
		current:  initial,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.start()
	return cw, nil
}

func (cw *ConfigWatcher) Current() *Config {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.current
}

func (cw *ConfigWatcher) start() {
	defer cw.wg.Done()
	for {
		select {
		case e, ok := <-cw.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != cw.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				cw.reload()
			}

		case err, ok := <-cw.fsnotify.Errors:
			if !ok {
				return
			}
			LogError("config watcher: %s", err)

		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		LogWarn("config reload rejected: %s", err)
		return
	}
	if err := SetLogLevel(cfg.Log.Level); err != nil {
		LogWarn("config reload: %s", err)
	}

	cw.mu.Lock()
	prev := cw.current
	cw.current = cfg
	cw.mu.Unlock()

	if prev != nil && (prev.Device != cfg.Device || prev.Bindless != cfg.Bindless) {
		LogInfo("device settings changed in %s, they apply on the next start", cw.path)
	}
	LogInfo("configuration reloaded from %s", cw.path)

	if cw.onReload != nil {
		cw.onReload(cfg)
	}
	if cw.events != nil {
		ctx := EventContext{}
		ctx.Data.C[0] = cw.path
		cw.events.Fire(EVENT_CODE_CONFIG_RELOADED, cw, ctx)
	}
}

func (cw *ConfigWatcher) Close() error {
	close(cw.done)
	err := cw.fsnotify.Close()
	cw.wg.Wait()
	return err
}
