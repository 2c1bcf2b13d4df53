package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/speech"
)

// SpeechFallback implements [speech.Provider] with failover across several
// speech backends, each behind its own circuit breaker.
type SpeechFallback struct {
	group *FallbackGroup[speech.Provider]
}

var _ speech.Provider = (*SpeechFallback)(nil)

// NewSpeechFallback creates a [SpeechFallback] with primary as the preferred
// backend.
func NewSpeechFallback(primary speech.Provider, primaryName string, cfg FallbackConfig) *SpeechFallback {
	return &SpeechFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *SpeechFallback) AddFallback(name string, p speech.Provider) {
	f.group.AddFallback(name, p)
}

// Backends returns the backend names in failover order.
func (f *SpeechFallback) Backends() []string { return f.group.Names() }

// Synthesize renders req on the first healthy backend. An empty answer counts
// as a failure so the next backend gets a chance.
func (f *SpeechFallback) Synthesize(ctx context.Context, req speech.Request) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p speech.Provider) ([]byte, error) {
		return p.Synthesize(ctx, req)
	})
}
