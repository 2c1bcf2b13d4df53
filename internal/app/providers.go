package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/speech"
)

// Providers holds the configured backends. Nil means not configured.
type Providers struct {
	Live   live.Provider
	Speech speech.Provider
}

// BuildProviders instantiates the backends named in cfg through reg. Speech
// backends are wrapped in a [resilience.SpeechFallback] whose attempts and
// breaker transitions are recorded in m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}

	if cfg.Live.IsSet() {
		p, err := reg.CreateLive(cfg.Live)
		if err != nil {
			return nil, fmt.Errorf("app: create live provider %q: %w", cfg.Live.Name, err)
		}
		ps.Live = p
		slog.Info("provider created", "kind", "live", "name", cfg.Live.Name)
	}

	if cfg.Speech.Primary.IsSet() {
		sp, err := buildSpeech(cfg.Speech, reg, m)
		if err != nil {
			return nil, err
		}
		ps.Speech = sp
	}
	return ps, nil
}

func buildSpeech(sc config.SpeechConfig, reg *config.Registry, m *observe.Metrics) (*resilience.SpeechFallback, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("speech circuit breaker changed state", "provider", name, "from", from, "to", to)
				m.RecordCircuitTransition(context.Background(), name, to.String())
			},
		},
		OnAttempt: func(name string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
				m.RecordProviderError(context.Background(), name, "speech")
			}
			m.RecordProviderRequest(context.Background(), name, "speech", status)
		},
	}

	primary, err := reg.CreateSpeech(sc.Primary)
	if err != nil {
		return nil, fmt.Errorf("app: create speech provider %q: %w", sc.Primary.Name, err)
	}
	fb := resilience.NewSpeechFallback(primary, sc.Primary.Name, fbCfg)
	for _, entry := range sc.Fallbacks {
		p, err := reg.CreateSpeech(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create speech fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("provider created", "kind", "speech", "backends", fb.Backends())
	return fb, nil
}
