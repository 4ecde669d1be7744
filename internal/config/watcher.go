package config

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maestro/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

var ErrNoPath = errors.New("no settings path to watch")

// Watcher re-reads the settings file when it changes and hands the
// result to the reload callback. Editors often replace files by
// rename, so the parent directory is watched rather than the file
// itself.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	onReload func(Settings)

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
	done    chan struct{}
}

func NewWatcher(path string, logger *logging.Logger, onReload func(Settings)) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}
	if onReload == nil {
		return nil, errors.New("reload callback is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(absolute)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	instance := &Watcher{
		path:     absolute,
		watcher:  fsWatcher,
		logger:   logger,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go instance.run()
	return instance, nil
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(fsEvent)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", map[string]string{
				"error": err.Error(),
			})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(fsEvent fsnotify.Event) {
	if filepath.Clean(fsEvent.Name) != w.path {
		return
	}
	if fsEvent.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	settings, err := Load(w.path)
	if err != nil {
		w.logger.Warn("settings reload failed", map[string]string{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	w.logger.Info("settings reloaded", map[string]string{
		"path": w.path,
	})
	w.onReload(settings)
}
