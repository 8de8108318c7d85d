// Package file watches the providers file and hot-swaps the registry snapshot.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/report-relay/internal/provider"
)

// Watcher reloads the provider registry whenever the providers file changes.
type Watcher struct {
	path    string
	source  *provider.Source
	logger  *slog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for path that updates source.
func NewWatcher(path string, source *provider.Source, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("providers path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, source: source, logger: logger}, nil
}

// Reload loads the file now and installs the result.
func (w *Watcher) Reload() *provider.Registry {
	r := provider.Load(w.path, w.logger)
	w.source.Store(r)
	return r
}

// Watch starts watching until ctx is cancelled. The parent directory is
// watched so editors that replace the file by rename are picked up.
// onChange, when non-nil, runs after every reload.
func (w *Watcher) Watch(ctx context.Context, onChange func(*provider.Registry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info("watching providers file for changes", slog.String("path", w.path))

	target := filepath.Clean(w.path)
	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("providers watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				w.logger.Info("providers file changed, reloading", slog.String("path", event.Name))
				r := w.Reload()
				if onChange != nil {
					onChange(r)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("providers watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
