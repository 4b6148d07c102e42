package gateway

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads configuration when the config file changes on disk.
// The log level is re-applied immediately; everything else reaches
// interested parties through the config.reloaded bus event.
type Watcher struct {
	watcher  *fsnotify.Watcher
	bus      *bus.Bus
	path     string // absolute path of the config file
	stopCh   chan struct{}
	debounce *time.Timer
	mu       sync.Mutex
	log      zerolog.Logger
}

// NewWatcher creates a watcher for the given config file. It watches the
// parent directory so atomic saves (write then rename) are still seen.
func NewWatcher(b *bus.Bus, path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher: w,
		bus:     b,
		path:    abs,
		stopCh:  make(chan struct{}),
		log:     logger.Component("gateway"),
	}, nil
}

// Start begins watching for config changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

// schedule arms the debounce timer so bursts of writes collapse into a
// single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := config.Reload()
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous")
		return
	}

	logger.SetLevel(cfg.Log.Level)

	w.bus.Publish(bus.TopicConfigReloaded, "", map[string]any{
		"path":    w.path,
		"version": cfg.Version,
	})
	w.log.Info().Str("path", w.path).Msg("config reloaded")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)

	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	w.watcher.Close()
}
