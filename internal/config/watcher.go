package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports content changes that still
// validate. Invalid edits are logged and ignored; the last valid config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
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

// NewWatcher loads path once and returns a Watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second}
	for _, opt := range opts {
		opt(w)
	}
	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.hash, w.mtime = cfg, hash, mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, calling onChange from the polling goroutine
// after each accepted reload. It always returns ctx.Err().
func (w *Watcher) Run(ctx context.Context, onChange func(old, new *Config)) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			old, cfg, err := w.Check()
			if err != nil {
				slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
				continue
			}
			if cfg != nil && onChange != nil {
				onChange(old, cfg)
			}
		}
	}
}

// Check polls the file once. It returns the previous and the new config
// when the content changed and validated, and nils when nothing changed.
func (w *Watcher) Check() (old, cfg *Config, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, nil
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.mtime = mtime
	if hash == w.hash {
		// Touched, same content.
		return nil, nil, nil
	}
	old = w.current
	w.current, w.hash = cfg, hash
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	return old, cfg, nil
}

// read loads and validates the file, returning its hash and mtime.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
