package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher monitors the configuration file and invokes a callback with the
// freshly loaded configuration whenever the file changes on disk.
type Watcher struct {
	configPath string
	onReload   func(*Config)

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration file path.
func NewWatcher(configPath string, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		onReload:   onReload,
		watcher:    fsWatcher,
	}, nil
}

// Start begins watching the config file's directory until the context is
// cancelled. Editors often replace files by rename, so the parent directory
// is watched and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	// Debounce rapid write bursts from editors and atomic-save tools.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := LoadConfig(w.configPath)
			if err != nil {
				log.Warnf("config reload failed, keeping previous configuration: %v", err)
				continue
			}
			log.Info("configuration file changed, reloading")
			w.onReload(cfg)
		}
	}
}
