package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger is the minimal logging surface the watcher needs.
type Logger interface {
	Info(msg string, args ...any)
	Warning(msg string, args ...any)
}

// Watcher reloads a Configuration from disk whenever the file changes,
// with a polling fallback and a SIGHUP-driven ForceCheck (spec.md §6: the
// configuration parser is an external collaborator; reload is triggered
// the same way the teacher's own config watcher does it).
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Configuration)
	logger   Logger

	last Configuration
}

// NewWatcher builds a Watcher. interval is the polling fallback period
// (spec.md doesn't mandate one; 30s matches the teacher's recommended
// range). onChange is invoked with the freshly loaded Configuration
// whenever it changes.
func NewWatcher(path string, interval time.Duration, onChange func(Configuration), logger Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{path: path, interval: interval, onChange: onChange, logger: logger}
}

// Watch blocks until ctx is cancelled, reloading the configuration on
// filesystem change notifications or the polling interval, whichever
// fires first.
func (w *Watcher) Watch(ctx context.Context) {
	if c, err := Load(w.path); err == nil {
		w.last = c
	} else if w.logger != nil {
		w.logger.Warning("initial configuration load failed", "path", w.path, "error", err)
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	var watchedFile string
	fsWatcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsWatcher.Close()
		dir, file := filepath.Split(w.path)
		if dir == "" {
			dir = "."
		}
		watchedFile = file
		if err := fsWatcher.Add(dir); err == nil {
			fsEvents = fsWatcher.Events
			fsErrors = fsWatcher.Errors
		} else if w.logger != nil {
			w.logger.Warning("fsnotify watch failed, falling back to polling", "error", err)
		}
	} else if w.logger != nil {
		w.logger.Warning("fsnotify unavailable, falling back to polling", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			_, evFile := filepath.Split(ev.Name)
			if evFile != watchedFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.ForceCheck()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			if w.logger != nil {
				w.logger.Warning("fsnotify error", "error", err)
			}
		case <-ticker.C:
			w.ForceCheck()
		}
	}
}

// ForceCheck reloads the configuration immediately and, if it parses and
// differs from the last loaded value, invokes onChange. Intended to be
// called directly from a SIGHUP handler as well as the Watch loop.
func (w *Watcher) ForceCheck() {
	c, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warning("configuration reload failed", "path", w.path, "error", err)
		}
		return
	}
	if c == w.last {
		return
	}
	w.last = c
	if w.onChange != nil {
		w.onChange(c)
	}
}
