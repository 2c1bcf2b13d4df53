package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/livemode"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrSessionActive is returned by [SessionManager.Start] while a previous
// session still holds the audio devices.
var ErrSessionActive = errors.New("app: a live session is already active")

// statusIdle is reported by [SessionManager.Status] when no session exists.
const statusIdle = "idle"

// SessionInfo holds metadata about the current or last session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Provider live.Provider
	Input    audio.InputOpener
	Output   *audio.SharedOutput
	Audio    config.AudioConfig
	Session  config.SessionConfig

	// History, if set, receives every committed entry.
	History  history.Store
	Metrics  *observe.Metrics
	Observer livemode.Observer
}

// SessionManager runs at most one live session at a time. A new session is
// admitted only after the previous one has released its devices.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu      sync.Mutex
	session config.SessionConfig
	ctrl    *livemode.Controller
	info    SessionInfo
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{cfg: cfg, session: cfg.Session}
}

// SetSessionConfig replaces the settings used for the next session. A running
// session keeps the values it started with.
func (sm *SessionManager) SetSessionConfig(s config.SessionConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = s
}

// Start builds a controller from the current settings and starts it. The
// session stays open until ctx is cancelled, [SessionManager.Stop] is
// called or the transport ends it.
//
// When the controller fails to start it is still tracked, so a device
// failure blocks new sessions until its error delay has passed.
func (sm *SessionManager) Start(ctx context.Context) (*livemode.Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl != nil {
		select {
		case <-sm.ctrl.Done():
		default:
			return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.ctrl.ID())
		}
	}

	s := sm.session
	ctrl := livemode.New(livemode.Deps{
		Capture:  sm.newCapture(),
		Player:   playback.New(sm.cfg.Output, playback.WithName("live")),
		Provider: sm.cfg.Provider,
	}, sm.controllerOptions(s)...)

	sm.ctrl = ctrl
	sm.info = SessionInfo{SessionID: ctrl.ID(), StartedAt: time.Now().UTC()}

	if err := ctrl.Start(ctx); err != nil {
		return ctrl, fmt.Errorf("app: start live session: %w", err)
	}
	slog.Info("live session started", "session_id", ctrl.ID(), "voice", s.Voice)
	return ctrl, nil
}

func (sm *SessionManager) newCapture() *capture.Pipeline {
	opts := []capture.Option{
		capture.WithFrameSize(sm.cfg.Audio.FrameSize),
		capture.WithDeviceRate(sm.cfg.Audio.InputDeviceRate),
		capture.WithBuffer(sm.cfg.Audio.CaptureBuffer),
	}
	if m := sm.cfg.Metrics; m != nil {
		opts = append(opts, capture.WithDropHook(func(uint64) {
			m.CaptureDrops.Add(context.Background(), 1)
		}))
	}
	return capture.New(sm.cfg.Input, opts...)
}

func (sm *SessionManager) controllerOptions(s config.SessionConfig) []livemode.Option {
	opts := []livemode.Option{
		livemode.WithVoice(s.Voice),
		livemode.WithInstructions(s.Instructions),
		livemode.WithPlaybackRate(s.PlaybackRate),
		livemode.WithErrorCloseDelay(s.ErrorCloseDelay),
		livemode.WithLevelInterval(s.LevelInterval),
		livemode.WithObserver(sm.cfg.Observer),
		livemode.WithMetrics(sm.cfg.Metrics),
	}
	if sm.cfg.History != nil {
		opts = append(opts, livemode.WithHistory(sm.cfg.History))
	}
	return opts
}

// Stop closes the current session and waits until its devices are
// released or ctx is done. Stopping with no session is a no-op.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return nil
	}

	_ = ctrl.Close()
	select {
	case <-ctrl.Done():
		slog.Info("live session stopped", "session_id", ctrl.ID())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop live session: %w", ctx.Err())
	}
}

// Status returns the current session status, or "idle".
func (sm *SessionManager) Status() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return statusIdle
	}
	return sm.ctrl.Status().String()
}

// IsActive reports whether a session still holds the audio devices.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return false
	}
	select {
	case <-sm.ctrl.Done():
		return false
	default:
		return true
	}
}

// Info returns metadata about the current or last session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}
