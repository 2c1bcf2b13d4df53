// Package live defines the Transport Session contract for realtime duplex
// voice backends.
//
// A [Provider] opens one [Session] per Live Mode activation. The session sends
// captured PCM16 frames upstream and reports everything the backend produces
// through a [Handler]: readiness, decoded audio, transcription fragments, turn
// boundaries, barge-in, and termination. Handlers replace the untyped callback
// bags common in browser SDKs; each event has a fixed method and signature.
//
// Implementations live in sub-packages (live/gemini, live/openai, live/mock).
package live

import (
	"context"
	"errors"
)

// ErrTransportClosed is wrapped by every error passed to [Handler.OnClosed].
var ErrTransportClosed = errors.New("live: transport closed")

// Speaker identifies who produced a transcription fragment.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// String returns the speaker tag.
func (s Speaker) String() string { return string(s) }

// Config is the initial configuration for a live session.
type Config struct {
	// Voice is the backend's prebuilt voice identifier (e.g. "Kore").
	// Empty selects the backend default.
	Voice string

	// Instructions is an optional system prompt.
	Instructions string
}

// Handler receives session events. Methods are called sequentially from the
// session's receive goroutine and must not block; forward work elsewhere.
type Handler interface {
	// OnOpen fires once when the backend has accepted the session and sends
	// are transmitted.
	OnOpen()

	// OnAudio delivers one backend audio frame as raw PCM16 LE mono at
	// 24 kHz, already decoded from its transport encoding.
	OnAudio(pcm []byte)

	// OnTranscript delivers an incremental transcription fragment.
	OnTranscript(speaker Speaker, text string)

	// OnTurnComplete fires when the backend ends a turn.
	OnTurnComplete()

	// OnInterrupted fires when the backend detects that the user has begun
	// speaking over the assistant.
	OnInterrupted()

	// OnClosed fires at most once when the backend or the network ends the
	// session. err wraps [ErrTransportClosed]. It is not called after the
	// owner calls [Session.Close].
	OnClosed(err error)
}

// Session is an open duplex channel to the backend.
//
// All methods must be safe for concurrent use.
type Session interface {
	// Send queues one PCM16 LE mono 16 kHz frame for transmission. It never
	// blocks on the network. Frames sent before OnOpen are held and flushed
	// in order once the session opens. Sends after Close are ignored.
	Send(frame []byte)

	// Close ends the session. It is safe to call before the session opened
	// and more than once, and it always returns nil.
	Close() error
}

// Provider opens live sessions against one backend.
type Provider interface {
	// Open dials the backend and sends the session configuration. It returns
	// as soon as the request is on the wire; h.OnOpen signals readiness.
	// An error means no session exists and no handler method will be called.
	Open(ctx context.Context, cfg Config, h Handler) (Session, error)

	// Voices lists the voice identifiers the backend accepts in [Config.Voice].
	Voices() []string
}
