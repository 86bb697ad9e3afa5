package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded configuration.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path     string
	onReload ReloadFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	trigger  chan struct{}
}

// NewWatcher creates a watcher for path. Changes are debounced before onReload runs.
func NewWatcher(path string, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		path:     absPath,
		onReload: onReload,
		watcher:  fw,
		debounce: debounce,
		stop:     make(chan struct{}),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Start watches the directory holding the config file. Editors often replace
// files by rename, which a direct file watch would miss.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	slog.Info("Starting configuration watcher", "config_path", w.path)

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop ends both loops and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if err := w.watcher.Close(); err != nil {
			slog.Error("Error closing file watcher", "error", err)
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
				slog.Debug("Config file change detected", "file", event.Name, "op", event.Op.String())
				w.requestReload()
			case event.Has(fsnotify.Remove):
				slog.Warn("Config file removed", "file", event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.trigger:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.reload(ctx); err != nil {
					slog.Error("Failed to reload configuration", "error", err)
				}
			})
		}
	}
}

func (w *Watcher) requestReload() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	slog.Info("Reloading configuration", "config_path", w.path)
	cfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}
	if err := w.onReload(ctx, cfg); err != nil {
		return fmt.Errorf("failed to apply new configuration: %w", err)
	}
	slog.Info("Configuration reloaded successfully")
	return nil
}
