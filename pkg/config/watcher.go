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

const defaultDebounce = 1 * time.Second

// Watcher reloads a configuration file into a Store when it changes on disk.
// Listener, telemetry, and logging settings are fixed at startup and carried
// over from the previous snapshot; everything else takes effect on the next request.
type Watcher struct {
	path     string
	store    *Store
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Config)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last write before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook registers a callback invoked after every successful reload.
func WithReloadHook(fn func(*Config)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher creates a watcher for path that updates store.
func NewWatcher(path string, store *Store, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:     absPath,
		store:    store,
		watcher:  fsw,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The directory is watched rather than the file because
// editors often replace the file through a rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	w.running = true

	w.logger.Info("Config watcher started", "config_path", w.path)
	go w.watchLoop(ctx)
	return nil
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// Reload loads the file now and swaps it into the store if it validates.
func (w *Watcher) Reload() error {
	next, err := Load(w.path)
	if err != nil {
		return err
	}

	if prev := w.store.Current(); prev != nil {
		next.Server = prev.Server
		next.Telemetry = prev.Telemetry
		next.Logging = prev.Logging
	}

	w.store.Swap(next)
	if w.onReload != nil {
		w.onReload(next)
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.triggerReload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Config watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) triggerReload() {
	start := time.Now()
	if err := w.Reload(); err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration",
			"config_path", w.path,
			"error", err,
			"duration", time.Since(start))
		return
	}
	w.logger.Info("Config reload completed successfully",
		"config_path", w.path,
		"duration", time.Since(start))
}
