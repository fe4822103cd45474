package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/yllada/veilvpn/common"
)

const watchDebounce = 300 * time.Millisecond

// Watcher refreshes a catalog whenever its backing file changes.
type Watcher struct {
	catalog *Catalog
	path    string
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewWatcher watches path and refreshes c on change, at most once per
// second with a small burst.
func NewWatcher(c *Catalog, path string) *Watcher {
	return &Watcher{
		catalog: c,
		path:    path,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  common.WithComponent("catalog"),
	}
}

// Run blocks until ctx is done. The parent directory is watched so that
// atomic rename-based saves are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info().Str("path", w.path).Msg("watching server catalog for changes")

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := w.catalog.Refresh(ctx); err != nil {
				w.logger.Error().Err(err).Msg("automatic catalog reload failed")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("catalog watcher error")
		}
	}
}
