// Package mock provides a test double for the speech.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/speech"
)

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize.
	Audio []byte

	// Err, if non-nil, is returned by Synthesize instead of Audio.
	Err error

	// Calls records every request in order.
	Calls []speech.Request
}

// Synthesize implements speech.Provider.
func (p *Provider) Synthesize(_ context.Context, req speech.Request) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([]byte, len(p.Audio))
	copy(out, p.Audio)
	return out, nil
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ speech.Provider = (*Provider)(nil)
