package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches configuration files for changes and reloads them
type Watcher struct {
	path     string
	cfg      *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher creates a new configuration file watcher
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	// Load initial config
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Add config file to watcher
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
	}

	return w, nil
}

// Config returns the current configuration (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback to be called when config changes
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start begins watching the configuration file for changes
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	// Debounce rapid file changes (editors often write multiple times)
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}

			// We care about Write and Create events
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Reset debounce timer
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			// Reload config after debounce period
			changed, err := w.reload()
			if err != nil {
				w.logger.Error("Failed to reload config", "error", err)
			} else {
				if len(changed) == 0 {
					w.logger.Info("Config reloaded, no live-reloadable section changed")
				} else {
					w.logger.Info("Config reloaded successfully", "changed_sections", changed)
				}
				if w.onChange != nil {
					w.onChange(w.Config())
				}
			}
		}
	}
}

// reload reloads the configuration from file and reports which of the
// edge, rate-limit and circuit-breaker sections changed. It only swaps the
// Config held by the watcher; components already built from the old
// Config keep their settings.
func (w *Watcher) reload() ([]string, error) {
	newCfg, err := Load(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	w.mu.Lock()
	oldCfg := w.cfg
	w.cfg = newCfg
	w.mu.Unlock()

	return diffLiveSections(oldCfg, newCfg), nil
}

// diffLiveSections reports which of the edge-rewrite, rate-limit, and
// circuit-breaker sections changed between old and new. Origin listener
// settings are deliberately excluded: the bind address is read once at
// startup and a change there has no effect until the process restarts.
func diffLiveSections(old, new *Config) []string {
	var changed []string
	if !reflect.DeepEqual(old.Edge, new.Edge) {
		changed = append(changed, "edge")
	}
	if !reflect.DeepEqual(old.RateLimit, new.RateLimit) {
		changed = append(changed, "rate_limit")
	}
	if !reflect.DeepEqual(old.CircuitBreaker, new.CircuitBreaker) {
		changed = append(changed, "circuit_breaker")
	}
	return changed
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
