package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reloader applies a changed configuration to the running service and
// reports what it changed.
type Reloader interface {
	Reload(prev, next *Config) ConfigDiff
}

// ReloadFunc adapts a function to [Reloader].
type ReloadFunc func(prev, next *Config) ConfigDiff

// Reload calls f.
func (f ReloadFunc) Reload(prev, next *Config) ConfigDiff { return f(prev, next) }

// Watcher polls a config file and hands every new valid version to a
// [Reloader]. A file that fails to parse or validate is reported once and
// ignored until it changes again; the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	target   Reloader

	mu      sync.Mutex
	current *Config
	seen    fileStamp
	reloads int
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path and returns a watcher for it. target may
// be nil, in which case changes only update [Watcher.Current].
func NewWatcher(path string, target Reloader, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, target: target}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the config currently in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many times the target was handed a new config.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll checks the file once and reports whether a new config was applied.
// Edits that change nothing reloadable or restart-relevant, such as comments,
// are adopted silently without calling the target.
func (w *Watcher) Poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return false
	}
	stamp := fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		w.mu.Unlock()
		return false
	}
	w.seen = stamp
	prev := w.current
	w.mu.Unlock()

	next, err := LoadFromBytes(data)
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	d := Diff(prev, next)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return false
	}
	if w.target != nil {
		d = w.target.Reload(prev, next)
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"persona_changed", d.PersonaChanged,
		"restart_required", d.RestartRequired,
	)
	return true
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
