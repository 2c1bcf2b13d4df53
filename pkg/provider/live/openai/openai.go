// Package openai implements the live.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. The Realtime API works
// at 24 kHz in both directions, so 16 kHz capture frames are resampled before
// they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	realtimeRate = 24000
)

var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe user speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithOutboxCapacity sets how many frames may be queued before drops start.
func WithOutboxCapacity(n int) Option {
	return func(p *Provider) { p.outboxCap = n }
}

// WithDropHook registers fn to be called whenever a send is dropped because
// the queue is full.
func WithDropHook(fn func()) Option {
	return func(p *Provider) { p.onDrop = fn }
}

// WithErrorHook registers fn to receive request-level error events. Such
// events do not end the session.
func WithErrorHook(fn func(error)) Option {
	return func(p *Provider) { p.onError = fn }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	outboxCap          int
	onDrop             func()
	onError            func(error)
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		outboxCap:          live.DefaultOutboxCapacity,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Voices returns the built-in Realtime voices.
func (p *Provider) Voices() []string {
	out := make([]string, len(voices))
	copy(out, voices)
	return out
}

// Open dials the Realtime endpoint and sends session.update. h.OnOpen fires
// when the server answers with session.updated.
func (p *Provider) Open(ctx context.Context, cfg live.Config, h live.Handler) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		handler: h,
		onError: p.onError,
		outbox:  live.NewOutbox(p.outboxCap, p.onDrop),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg, p.transcriptionModel); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	handler live.Handler
	outbox  *live.Outbox
	onError func(error)

	mu       sync.Mutex
	opened   bool
	closed   bool
	failed   bool
	writeErr error

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) sendSessionUpdate(cfg live.Config, transcriptionModel string) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) writeLoop() {
	err := s.outbox.Run(s.ctx, func(frame []byte) error {
		pcm := audio.ResampleMono16(frame, audio.InputSampleRate, realtimeRate)
		return s.writeJSON(appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: audio.BytesToTransport(pcm),
		})
	})
	if err == nil || s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.mu.Unlock()
	s.conn.Close(websocket.StatusInternalError, "write failed")
}

// receiveLoop reads events from the WebSocket and dispatches them. It is the
// only goroutine that calls the handler.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		s.markOpen()

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := audio.TransportToBytes(evt.Delta)
		if err != nil {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return
		}
		if len(pcm) > 0 {
			s.handler.OnAudio(pcm)
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			s.handler.OnTranscript(live.SpeakerAssistant, evt.Delta)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.handler.OnTranscript(live.SpeakerUser, evt.Transcript)
		}

	case "input_audio_buffer.speech_started":
		s.handler.OnInterrupted()

	case "response.done":
		s.handler.OnTurnComplete()

	case "error":
		s.handleErrorEvent(evt)

	default:
		slog.Debug("openai: ignoring event", "type", evt.Type)
	}
}

// handleErrorEvent reports a server error event. These refer to a single
// client request (an empty commit, a cancel with no active response) and
// leave the session usable; transport failures surface through the read loop.
func (s *session) handleErrorEvent(evt *serverEvent) {
	msg, kind, code := "unknown error", "", ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		kind, code = evt.Error.Type, evt.Error.Code
	}
	slog.Warn("openai: server error event", "type", kind, "code", code, "message", msg)
	if s.onError != nil {
		s.onError(fmt.Errorf("openai: server error: %s", msg))
	}
}

func (s *session) markOpen() {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()

	s.outbox.MarkReady()
	s.handler.OnOpen()
}

// fail ends the session and reports it once. No-op after the owner's Close.
func (s *session) fail(cause error) {
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	if s.writeErr != nil {
		cause = s.writeErr
	}
	s.mu.Unlock()

	s.cancel()
	s.outbox.Stop()
	s.conn.Close(websocket.StatusInternalError, "session failed")

	if !errors.Is(cause, live.ErrTransportClosed) {
		cause = fmt.Errorf("%w: %w", live.ErrTransportClosed, cause)
	}
	s.handler.OnClosed(cause)
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send queues a PCM16 16 kHz frame.
func (s *session) Send(frame []byte) {
	s.mu.Lock()
	done := s.closed || s.failed
	s.mu.Unlock()
	if done {
		return
	}
	s.outbox.Push(frame)
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed || s.failed {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.outbox.Stop()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
