package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration when the file changes on disk. The
// containing directory is watched because editors and the atomic Save replace
// the file rather than writing it in place.
type Watcher struct {
	path    string
	manager *Manager
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher builds a watcher for the manager's config file.
func NewWatcher(path string, manager *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		manager: manager,
		watcher: fsw,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching. Reloads are debounced so editors that write in
// several steps trigger a single reload.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.run()
	log.Info().Str("path", w.path).Msg("Watching configuration file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.watcher.Close()
}

func (w *Watcher) run() {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			if err := w.manager.Reload(); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stop:
			return
		}
	}
}
