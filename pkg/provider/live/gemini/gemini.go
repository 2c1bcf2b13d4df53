// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; the
// server's setupComplete acknowledgement marks the session open.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputMIMEType = "audio/pcm;rate=16000"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// voices are the prebuilt Gemini voices accepted in [live.Config.Voice].
var voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	outboxCap int
	onDrop    func()
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		outboxCap: live.DefaultOutboxCapacity,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Voices returns the prebuilt voice names.
func (p *Provider) Voices() []string {
	out := make([]string, len(voices))
	copy(out, voices)
	return out
}

// Open dials Gemini Live and sends the setup message. h.OnOpen fires when the
// server acknowledges setup.
func (p *Provider) Open(ctx context.Context, cfg live.Config, h live.Handler) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Audio frames are large; the default 32 KiB read limit is too small.
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		handler: h,
		outbox:  live.NewOutbox(p.outboxCap, p.onDrop),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	handler live.Handler
	outbox  *live.Outbox

	mu       sync.Mutex
	opened   bool
	closed   bool  // owner called Close
	failed   bool  // OnClosed delivered
	writeErr error // first write failure, reported by receiveLoop

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg live.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// writeLoop drains the outbox once the session is open. A write failure
// closes the connection so receiveLoop reports it.
func (s *session) writeLoop() {
	err := s.outbox.Run(s.ctx, func(frame []byte) error {
		return s.writeJSON(realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []mediaChunk{
					{MIMEType: inputMIMEType, Data: audio.BytesToTransport(frame)},
				},
			},
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

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only goroutine that calls the handler.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if !s.dispatch(&msg) {
			return
		}
	}
}

// dispatch handles one server message. It returns false when the session
// has ended.
func (s *session) dispatch(msg *serverMessage) bool {
	switch {
	case msg.Error != nil:
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.fail(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
		return false

	case msg.SetupComplete != nil:
		s.markOpen()

	case msg.ServerContent != nil:
		s.handleServerContent(msg.ServerContent)

	case msg.GoAway != nil:
		slog.Info("gemini: server announced disconnect")

	default:
		slog.Debug("gemini: ignoring unknown message type")
	}
	return true
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

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.TransportToBytes(p.InlineData.Data)
			if err != nil {
				slog.Warn("gemini: dropping undecodable audio chunk", "err", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			s.handler.OnAudio(pcm)
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.handler.OnTranscript(live.SpeakerUser, sc.InputTranscription.Text)
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.handler.OnTranscript(live.SpeakerAssistant, sc.OutputTranscription.Text)
	}

	if sc.Interrupted {
		s.handler.OnInterrupted()
	}
	if sc.TurnComplete {
		s.handler.OnTurnComplete()
	}
}

// fail ends the session because of a backend or network failure and reports
// it once. It is a no-op after the owner called Close.
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

	if status := websocket.CloseStatus(cause); status != -1 {
		slog.Info("gemini: server closed session", "status", status)
	}
	if !errors.Is(cause, live.ErrTransportClosed) {
		cause = fmt.Errorf("%w: %w", live.ErrTransportClosed, cause)
	}
	s.handler.OnClosed(cause)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send queues a PCM16 16 kHz frame. Frames queued before setupComplete are
// flushed in order when the session opens.
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

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.outbox.Stop()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
