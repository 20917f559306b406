package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher holds the live *Config behind an atomic.Pointer so in-flight
// requests observe a consistent snapshot across a reload, the same
// discipline meta-control uses for its phase swap (internal/metacontrol).
// Structurally grounded on the teacher's internal/steering/engine.go
// fsnotify.Watcher lifecycle.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
}

// NewWatcher loads configFile once and returns a Watcher exposing it.
func NewWatcher(configFile string) (*Watcher, error) {
	cfg, err := Load(configFile)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: configFile}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run watches w.path for write events and atomically swaps in a freshly
// reloaded Config on each one. A reload that fails to parse is logged and
// the previous snapshot is kept live; it never crashes the watcher. Run
// blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("config: cannot watch file, hot-reload disabled")
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logrus.WithError(err).Warn("config: reload failed, keeping previous snapshot")
				continue
			}
			w.current.Store(cfg)
			logrus.Info("config: reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("config: watcher error")
		}
	}
}
