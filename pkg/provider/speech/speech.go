// Package speech defines the Provider interface for non-live speech
// generation: a single request carrying text and a voice name, answered with
// the complete utterance as PCM16 little-endian mono audio at 24 kHz.
//
// Implementations must be safe for concurrent use.
package speech

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when a backend answers without any audio.
var ErrEmptyAudio = errors.New("speech: backend returned no audio")

// Request is one speech generation request.
type Request struct {
	// Text is the text to speak. Must be non-empty.
	Text string

	// Voice is a backend-specific voice name. Empty selects the backend default.
	Voice string
}

// Provider is the abstraction over any speech generation backend.
type Provider interface {
	// Synthesize renders req.Text and returns PCM16 LE mono audio at
	// [github.com/MrWong99/parley/pkg/audio.OutputSampleRate]. An answer
	// with no audio yields [ErrEmptyAudio].
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
