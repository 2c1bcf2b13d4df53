package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
live:
  name: gemini
  api_key: k
`

const watcherUpdatedYAML = `
server:
  log_level: debug
live:
  name: gemini
  api_key: k
session:
  instructions: Be terse.
`

const watcherInvalidYAML = `
server:
  log_level: bananas
live:
  name: gemini
`

// writeConfig writes content and moves the mtime forward so consecutive
// writes are always distinguishable.
func writeConfig(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	at := time.Now().Add(bump)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func newWatcher(t *testing.T, content string) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, content, 0)
	w, err := config.NewWatcher(path, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML)
	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_CheckDetectsChange(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)

	if old, cfg, err := w.Check(); old != nil || cfg != nil || err != nil {
		t.Fatalf("Check on unchanged file = %v, %v, %v", old, cfg, err)
	}

	writeConfig(t, path, watcherUpdatedYAML, time.Second)
	old, cfg, err := w.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if old.Server.LogLevel != config.LogInfo || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("old=%q new=%q", old.Server.LogLevel, cfg.Server.LogLevel)
	}
	if w.Current() != cfg {
		t.Error("Current not updated")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)

	writeConfig(t, path, watcherInvalidYAML, time.Second)
	if _, cfg, err := w.Check(); err == nil || cfg != nil {
		t.Fatalf("Check = %v, %v; want validation error", cfg, err)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current changed to %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	before := w.Current()

	writeConfig(t, path, watcherValidYAML, time.Second)
	if old, cfg, err := w.Check(); old != nil || cfg != nil || err != nil {
		t.Errorf("Check after touch = %v, %v, %v", old, cfg, err)
	}
	if w.Current() != before {
		t.Error("Current replaced on touch")
	}
}

func TestWatcher_RunCallsOnChange(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan *config.Config, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, func(_, cfg *config.Config) { changed <- cfg })
	}()

	writeConfig(t, path, watcherUpdatedYAML, time.Second)
	select {
	case cfg := <-changed:
		if cfg.Session.Instructions != "Be terse." {
			t.Errorf("instructions = %q", cfg.Session.Instructions)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}

	cancel()
	if err := <-errc; err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}
