// Package watcher keeps the config store in sync with its file on disk
// using fsnotify, generalizing the teacher's WatchConfigFile/
// StartWatcherWithRestart pair: watch the containing directory (so a
// write-rename or a ConfigMap-style symlink swap is seen the same as an
// in-place edit), debounce bursts of events, and restart with exponential
// backoff if the underlying watcher dies.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is satisfied by *config.Store; kept as a narrow interface so this
// package does not depend on config's concrete type.
type Reloader interface {
	Reload() error
}

// RestartCounter is incremented every time the watcher is restarted after a
// failure; satisfied by a prometheus counter's Inc method.
type RestartCounter interface {
	Inc()
}

// Watcher observes the directory containing a config file and calls Reload
// on the target whenever that file is created, written, or renamed.
type Watcher struct {
	path     string
	target   Reloader
	log      *slog.Logger
	debounce time.Duration
	restarts RestartCounter
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the default debounce window.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithRestartCounter wires a metric to be incremented on every watcher
// restart.
func WithRestartCounter(c RestartCounter) Option { return func(w *Watcher) { w.restarts = c } }

// New builds a Watcher for path, calling target.Reload on change.
func New(path string, target Reloader, log *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{path: path, target: target, log: log, debounce: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is canceled or the watcher dies; on death it is the
// caller's job to decide whether to call Run again (see RunWithRestart).
// Run blocks.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("watch directory does not exist: %s", dir)
	}
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	w.log.Info("watching config directory", "dir", dir, "file", filepath.Base(w.path))

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.log.Info("config watcher shutting down")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			// A rename (atomic save-over by another tool, or a ConfigMap
			// symlink swap) can drop the directory watch on some
			// platforms; re-adding is a harmless no-op otherwise.
			if event.Op&fsnotify.Rename != 0 {
				_ = fw.Add(dir)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceC = debounceTimer.C

		case <-debounceC:
			debounceC = nil
			w.log.Info("configuration change detected, reloading")
			if err := w.target.Reload(); err != nil {
				w.log.Error("failed to reload configuration", "error", err)
			} else {
				w.log.Info("configuration reloaded")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Error("file watcher error", "error", err)
		}
	}
}

// RunWithRestart runs the watcher in a loop, restarting it with exponential
// backoff (capped at 5 minutes) whenever it returns an error, until ctx is
// canceled. A missing watch directory gets a longer, fixed backoff and the
// loop gives up after three consecutive misses — that shape is normal for a
// local run started before its config directory exists.
func (w *Watcher) RunWithRestart(ctx context.Context) {
	attempt := 0
	consecutiveMissingDir := 0
	const maxBackoff = 5 * time.Minute

	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > 1 && w.restarts != nil {
			w.restarts.Inc()
			w.log.Info("restarting file watcher", "attempt", attempt)
		}

		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		if isMissingDir(err) {
			consecutiveMissingDir++
			if consecutiveMissingDir == 1 {
				w.log.Warn("file watcher disabled", "error", err)
			}
			if consecutiveMissingDir >= 3 {
				w.log.Info("file watcher permanently disabled: watch directory does not exist")
				return
			}
			if !sleepOrDone(ctx, 30*time.Second) {
				return
			}
			continue
		}
		consecutiveMissingDir = 0

		backoff := time.Duration(math.Min(
			float64(time.Second)*math.Pow(2, float64(attempt-1)),
			float64(maxBackoff),
		))
		w.log.Error("file watcher stopped, restarting", "error", err, "backoff", backoff)
		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func isMissingDir(err error) bool {
	return errors.Is(err, os.ErrNotExist) || (err != nil && containsDoesNotExist(err.Error()))
}

func containsDoesNotExist(s string) bool {
	const needle = "does not exist"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
