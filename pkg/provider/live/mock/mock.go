// Package mock provides test doubles for the live package.
//
// [Provider] and [Session] record every call and let tests drive the
// session's [live.Handler] directly (Fire* helpers). [Handler] records the
// events a real backend delivers so transport tests can assert on them.
//
// All types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [live.Session].
type Session struct {
	mu sync.Mutex

	// SentFrames holds every frame passed to Send, in order.
	SentFrames [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	handler live.Handler
}

// Send implements [live.Session].
func (s *Session) Send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.SentFrames = append(s.SentFrames, cp)
}

// Close implements [live.Session]. Always returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Sent returns a snapshot of SentFrames.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentFrames))
	copy(out, s.SentFrames)
	return out
}

// Closes returns CallCountClose under the lock.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Handler returns the handler passed to [Provider.Open], or nil.
func (s *Session) Handler() live.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// FireOpen calls OnOpen on the session's handler.
func (s *Session) FireOpen() { s.Handler().OnOpen() }

// FireAudio calls OnAudio on the session's handler.
func (s *Session) FireAudio(pcm []byte) { s.Handler().OnAudio(pcm) }

// FireTranscript calls OnTranscript on the session's handler.
func (s *Session) FireTranscript(sp live.Speaker, text string) {
	s.Handler().OnTranscript(sp, text)
}

// FireTurnComplete calls OnTurnComplete on the session's handler.
func (s *Session) FireTurnComplete() { s.Handler().OnTurnComplete() }

// FireInterrupted calls OnInterrupted on the session's handler.
func (s *Session) FireInterrupted() { s.Handler().OnInterrupted() }

// FireClosed calls OnClosed on the session's handler.
func (s *Session) FireClosed(err error) { s.Handler().OnClosed(err) }

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [live.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by Open. A fresh Session is created when nil.
	Session *Session

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// VoiceList is returned by Voices.
	VoiceList []string

	// OpenCalls records the Config of every Open call.
	OpenCalls []live.Config
}

// Open implements [live.Provider].
func (p *Provider) Open(_ context.Context, cfg live.Config, h live.Handler) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session == nil {
		p.Session = &Session{}
	}
	p.Session.mu.Lock()
	p.Session.handler = h
	p.Session.mu.Unlock()
	return p.Session, nil
}

// Voices implements [live.Provider].
func (p *Provider) Voices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VoiceList
}

// Opens returns the number of Open calls.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// ─── Handler ──────────────────────────────────────────────────────────────────

// Event is one handler invocation recorded by [Handler].
type Event struct {
	// Kind is "open", "audio", "transcript", "turn_complete", "interrupted"
	// or "closed".
	Kind    string
	Audio   []byte
	Speaker live.Speaker
	Text    string
	Err     error
}

// Handler is a recording [live.Handler]. Events are delivered on the
// buffered Events channel in call order.
type Handler struct {
	Events chan Event
}

// NewHandler returns a Handler with a generously buffered event channel.
func NewHandler() *Handler {
	return &Handler{Events: make(chan Event, 256)}
}

func (h *Handler) OnOpen()         { h.Events <- Event{Kind: "open"} }
func (h *Handler) OnTurnComplete() { h.Events <- Event{Kind: "turn_complete"} }
func (h *Handler) OnInterrupted()  { h.Events <- Event{Kind: "interrupted"} }
func (h *Handler) OnClosed(err error) {
	h.Events <- Event{Kind: "closed", Err: err}
}
func (h *Handler) OnAudio(pcm []byte) {
	h.Events <- Event{Kind: "audio", Audio: pcm}
}
func (h *Handler) OnTranscript(sp live.Speaker, text string) {
	h.Events <- Event{Kind: "transcript", Speaker: sp, Text: text}
}

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
	_ live.Handler  = (*Handler)(nil)
)
