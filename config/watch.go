package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounceInterval is how long the watcher waits for writes to settle.
const DefaultDebounceInterval = 200 * time.Millisecond

// Watcher reloads the config file when it changes and hands the result to a callback.
// Only settings that are safe to change at runtime, such as the price table, should be
// applied by the callback.
type Watcher struct {
	path     string
	interval time.Duration
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the config file at path. The file's directory is
// watched so editors that replace the file by rename are handled.
func NewWatcher(path string, interval time.Duration, logger zerolog.Logger) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	expanded, err := filepath.Abs(expandPath(path))
	if err != nil {
		_ = fsw.Close() //nolint:errcheck // Cleanup on error
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(expanded)); err != nil {
		_ = fsw.Close() //nolint:errcheck // Cleanup on error
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(expanded), err)
	}
	return &Watcher{
		path:     expanded,
		interval: interval,
		logger:   logger.With().Str("component", "configWatcher").Logger(),
		watcher:  fsw,
	}, nil
}

// Watch blocks until ctx is cancelled, calling onReload with each successfully
// reloaded configuration. Invalid files are logged and skipped.
func (w *Watcher) Watch(ctx context.Context, onReload func(*ProxyConfig)) error {
	defer w.stop()

	w.logger.Info().Str("path", w.path).Dur("debounce", w.interval).Msg("Config watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Config watcher stopped: context cancelled")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Config file event")
			w.trigger(func() { w.reload(onReload) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// trigger runs fn once events have been quiet for the debounce interval.
func (w *Watcher) trigger(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.interval, fn)
}

func (w *Watcher) reload(onReload func(*ProxyConfig)) {
	cfg, err := LoadProxyConfig(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous settings")
		return
	}
	w.logger.Info().Str("path", w.path).Int("prices", len(cfg.Prices)).Msg("Config reloaded")
	onReload(cfg)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close fsnotify watcher")
	}
}
