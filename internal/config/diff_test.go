package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"},
		Live:   config.ProviderEntry{Name: "gemini", Voice: "Kore"},
		Speech: config.SpeechConfig{
			Primary:   config.ProviderEntry{Name: "gemini"},
			Fallbacks: []config.ProviderEntry{{Name: "openai", Options: map[string]any{"max_retries": 1}}},
		},
		Session: config.SessionConfig{PlaybackRate: 1, ErrorCloseDelay: 3 * time.Second},
		Audio:   config.AudioConfig{Backend: "miniaudio", FrameSize: 2048},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); !d.Empty() {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug
	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_SessionIsHotReloadable(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Session.Instructions = "Speak like a pirate."
	next.Session.PlaybackRate = 1.5
	d := config.Diff(baseConfig(), next)
	if !d.SessionChanged {
		t.Error("SessionChanged = false")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.ListenAddr = ":9191"
	next.Live.Voice = "Puck"
	next.Speech.Fallbacks[0].Options = map[string]any{"timeout": "5s"}
	next.Audio.FrameSize = 1024
	next.History.PostgresDSN = "postgres://x"

	d := config.Diff(baseConfig(), next)
	want := []string{"server.listen_addr", "live", "speech", "audio", "history"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
