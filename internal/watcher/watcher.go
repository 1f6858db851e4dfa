// Package watcher reloads the proxy configuration when the config file
// changes on disk. It watches the file's directory rather than the file
// itself so that editors which replace the file via rename are still
// observed, and it debounces bursts of events into a single reload.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// defaultDebounce is the quiet period required after the last file event
// before the reload callback fires.
const defaultDebounce = 200 * time.Millisecond

// reloadOps are the event kinds that can change file content. Chmod-only
// events never trigger a reload.
const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watcher watches a single configuration file and invokes a callback
// after its content changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	fs       *fsnotify.Watcher
}

// New creates a watcher for the given config file path. The containing
// directory is registered with fsnotify immediately so setup errors
// surface before Run is called. A non-positive debounce selects the
// default.
func New(path string, debounce time.Duration, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}
	if err = fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		fs:       fs,
	}, nil
}

// Run blocks processing file events until the context is canceled or the
// underlying watcher is closed. The callback runs on this goroutine, so
// reloads never overlap.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	log.WithFields(log.Fields{
		"path":        w.path,
		"debounce_ms": w.debounce.Milliseconds(),
	}).Info("config watcher started")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			log.Debug("config watcher stopped")
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			log.WithFields(log.Fields{
				"path": ev.Name,
				"op":   ev.Op.String(),
			}).Debug("config file event")
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		case <-timer.C:
			pending = false
			log.WithField("path", w.path).Info("config file changed, reloading")
			w.onChange()
		}
	}
}

// relevant reports whether the event refers to the watched file and to an
// operation that can alter its content.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&reloadOps == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == w.path
}
