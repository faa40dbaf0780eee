package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/moneycoach/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
coach:
  persona: Speak kindly.
`

// recorder is a config.Reloader that remembers every call.
type recorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (r *recorder) Reload(prev, next *config.Config) config.ConfigDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]*config.Config{prev, next})
	return config.Diff(prev, next)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// rewrite replaces the file and moves its mtime forward so a poll notices it
// even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	touch(t, path, step)
}

func touch(t *testing.T, path string, step int) {
	t.Helper()
	at := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func newWatcher(t *testing.T, target config.Reloader) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(watcherBaseYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := config.NewWatcher(path, target, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Coach.HistoryLimit != config.DefaultHistoryLimit {
		t.Errorf("defaults not applied: history_limit %d", cfg.Coach.HistoryLimit)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_Poll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantApplied bool
		wantLevel   config.LogLevel
		wantPersona string
		wantRestart []string
	}{
		{
			name:        "persona and log level",
			content:     "server:\n  log_level: debug\nproviders:\n  llm:\n    name: openai\ncoach:\n  persona: Speak plainly.\n",
			wantApplied: true,
			wantLevel:   config.LogDebug,
			wantPersona: "Speak plainly.",
		},
		{
			name:        "restart only",
			content:     watcherBaseYAML + "memory:\n  recall_top_k: 7\n",
			wantApplied: true,
			wantLevel:   config.LogInfo,
			wantPersona: "Speak kindly.",
			wantRestart: []string{"memory"},
		},
		{
			name:        "comment only",
			content:     "# tuned for staging\n" + watcherBaseYAML,
			wantApplied: false,
			wantLevel:   config.LogInfo,
			wantPersona: "Speak kindly.",
		},
		{
			name:        "invalid keeps previous",
			content:     "server:\n  log_level: bananas\n",
			wantApplied: false,
			wantLevel:   config.LogInfo,
			wantPersona: "Speak kindly.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			w, path := newWatcher(t, rec)

			rewrite(t, path, tt.content, 1)
			if got := w.Poll(); got != tt.wantApplied {
				t.Fatalf("Poll() = %v, want %v", got, tt.wantApplied)
			}

			cur := w.Current()
			if cur.Server.LogLevel != tt.wantLevel {
				t.Errorf("log_level: got %q, want %q", cur.Server.LogLevel, tt.wantLevel)
			}
			if cur.Coach.Persona != tt.wantPersona {
				t.Errorf("persona: got %q, want %q", cur.Coach.Persona, tt.wantPersona)
			}

			wantCalls := 0
			if tt.wantApplied {
				wantCalls = 1
			}
			if rec.count() != wantCalls || w.Reloads() != wantCalls {
				t.Fatalf("reload calls: target %d, watcher %d, want %d", rec.count(), w.Reloads(), wantCalls)
			}
			if wantCalls == 1 {
				prev, next := rec.calls[0][0], rec.calls[0][1]
				if prev.Coach.Persona != "Speak kindly." || next != cur {
					t.Errorf("target got prev=%q next=%p, current=%p", prev.Coach.Persona, next, cur)
				}
				if d := config.Diff(prev, next); !slices.Equal(d.RestartRequired, tt.wantRestart) {
					t.Errorf("restart: got %v, want %v", d.RestartRequired, tt.wantRestart)
				}
			}
		})
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	w, path := newWatcher(t, rec)

	touch(t, path, 1)
	if w.Poll() {
		t.Error("Poll() applied a touch-only change")
	}
	if rec.count() != 0 {
		t.Errorf("target called %d times, want 0", rec.count())
	}
}

func TestWatcher_InvalidFileReportedOnce(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	w, path := newWatcher(t, rec)

	rewrite(t, path, "server:\n  log_level: bananas\n", 1)
	w.Poll()
	// Same broken content with a new mtime is not parsed again.
	touch(t, path, 2)
	if w.Poll() {
		t.Fatal("Poll() applied an invalid file")
	}

	// Fixing the file is picked up.
	rewrite(t, path, "server:\n  log_level: warn\nproviders:\n  llm:\n    name: openai\n", 3)
	if !w.Poll() {
		t.Fatal("Poll() ignored the repaired file")
	}
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log_level: got %q, want %q", got, config.LogWarn)
	}
	if rec.count() != 1 {
		t.Errorf("target called %d times, want 1", rec.count())
	}
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	w, path := newWatcher(t, rec)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rewrite(t, path, "server:\n  log_level: error\nproviders:\n  llm:\n    name: openai\n", 1)
	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run did not apply the change")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
