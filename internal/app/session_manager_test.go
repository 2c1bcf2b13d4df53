package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/livemode"
	"github.com/MrWong99/parley/pkg/audio"
	amock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/live"
	lmock "github.com/MrWong99/parley/pkg/provider/live/mock"
)

type smRig struct {
	sm       *app.SessionManager
	in       *amock.InputDevice
	opener   *amock.InputOpener
	out      *amock.OutputDevice
	provider *lmock.Provider
	store    *history.Memory
}

func newTestSessionManager(t *testing.T) *smRig {
	t.Helper()
	cfg := &config.Config{
		Session: config.SessionConfig{
			Voice:           "Kore",
			Instructions:    "Be brief.",
			ErrorCloseDelay: 50 * time.Millisecond,
		},
	}
	config.ApplyDefaults(cfg)

	in := &amock.InputDevice{}
	r := &smRig{
		in:       in,
		opener:   &amock.InputOpener{Device: in},
		out:      &amock.OutputDevice{},
		provider: &lmock.Provider{},
		store:    history.NewMemory(),
	}
	r.sm = app.NewSessionManager(app.SessionManagerConfig{
		Provider: r.provider,
		Input:    r.opener.Open,
		Output:   audio.NewSharedOutput(r.out.Opener()),
		Audio:    cfg.Audio,
		Session:  cfg.Session,
		History:  r.store,
	})
	t.Cleanup(func() { _ = r.sm.Stop(context.Background()) })
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)

	if got := r.sm.Status(); got != "idle" {
		t.Fatalf("Status before Start = %q, want idle", got)
	}

	ctrl, err := r.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.sm.IsActive() {
		t.Fatal("IsActive = false after Start")
	}
	if info := r.sm.Info(); info.SessionID != ctrl.ID() || info.StartedAt.IsZero() {
		t.Errorf("Info = %+v", info)
	}

	if len(r.provider.OpenCalls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(r.provider.OpenCalls))
	}
	if got := r.provider.OpenCalls[0]; got.Voice != "Kore" || got.Instructions != "Be brief." {
		t.Errorf("live.Config = %+v", got)
	}
	if got := r.opener.Rates; len(got) != 1 || got[0] != audio.InputSampleRate {
		t.Errorf("input opened at %v, want [%d]", got, audio.InputSampleRate)
	}

	r.provider.Session.FireOpen()
	eventually(t, "active status", func() bool { return r.sm.Status() == "active" })

	if err := r.sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.sm.IsActive() {
		t.Error("IsActive = true after Stop")
	}
	if got := r.sm.Status(); got != "closed" {
		t.Errorf("Status after Stop = %q, want closed", got)
	}
	if r.in.Closes() != 1 || r.out.Closes() != 1 {
		t.Errorf("device closes: in=%d out=%d, want 1/1", r.in.Closes(), r.out.Closes())
	}
}

func TestSessionManager_RejectsSecondSession(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)

	first, err := r.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.sm.Start(context.Background()); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("second Start err = %v, want ErrSessionActive", err)
	}
	if r.provider.Opens() != 1 {
		t.Errorf("Open calls = %d, want 1", r.provider.Opens())
	}

	_ = first.Close()
	<-first.Done()

	second, err := r.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start after Done: %v", err)
	}
	if second.ID() == first.ID() {
		t.Error("second session reused the first session ID")
	}
}

func TestSessionManager_DeviceFailureBlocksUntilClosed(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)
	r.opener.Err = errors.New("no microphone")

	ctrl, err := r.sm.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v, want ErrDeviceUnavailable", err)
	}
	if ctrl.Status() != livemode.StatusError {
		t.Errorf("status = %v, want error", ctrl.Status())
	}
	if _, err := r.sm.Start(context.Background()); !errors.Is(err, app.ErrSessionActive) {
		t.Errorf("Start during error delay err = %v, want ErrSessionActive", err)
	}

	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed session never closed")
	}
	r.opener.Err = nil
	if _, err := r.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start after error delay: %v", err)
	}
}

func TestSessionManager_SettingsApplyToNextSession(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)

	first, err := r.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.sm.SetSessionConfig(config.SessionConfig{Voice: "Puck", Instructions: "Speak slowly.", PlaybackRate: 1})
	if err := r.sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-first.Done()

	if _, err := r.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.provider.OpenCalls[1]; got.Voice != "Puck" || got.Instructions != "Speak slowly." {
		t.Errorf("second live.Config = %+v", got)
	}
}

func TestSessionManager_PersistsCommittedTurns(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)

	ctrl, err := r.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := r.provider.Session
	sess.FireOpen()
	sess.FireTranscript(live.SpeakerUser, "hello")
	sess.FireTurnComplete()

	eventually(t, "persisted record", func() bool {
		recs, _ := r.store.Session(context.Background(), ctrl.ID())
		return len(recs) == 1 && recs[0].Text == "hello"
	})
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()
	r := newTestSessionManager(t)
	if err := r.sm.Stop(context.Background()); err != nil {
		t.Errorf("Stop without Start = %v, want nil", err)
	}
}
