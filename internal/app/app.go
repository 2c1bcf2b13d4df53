// Package app wires the parley subsystems into a running application.
//
// [New] builds the history store, the session manager and the read-aloud
// player from the config. [App.Run] serves the health and metrics endpoint,
// follows config changes and runs one live session until it ends or ctx is
// cancelled. [App.Shutdown] tears everything down in reverse order.
//
// Tests inject doubles through the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/history/postgres"
	"github.com/MrWong99/parley/internal/livemode"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/readaloud"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrNoSpeech is returned by [App.Say] when no speech backend is configured.
var ErrNoSpeech = errors.New("app: no speech provider configured")

// errSessionEnded stops the run group when the live session ends on its own.
var errSessionEnded = errors.New("live session ended")

const serverShutdownTimeout = 5 * time.Second

// Devices are the audio endpoints shared by every component.
type Devices struct {
	Input  audio.InputOpener
	Output *audio.SharedOutput
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	devices   Devices

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	watcher        *config.Watcher
	observer       livemode.Observer
	listener       net.Listener

	history  history.Store
	checkers []health.Option
	sessions *SessionManager
	reader   *readaloud.Player

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatcher applies config changes seen by w while running.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithObserver installs presentation callbacks on every live session.
func WithObserver(o livemode.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App. Nothing touches the audio devices until a session
// starts or text is read aloud.
func New(ctx context.Context, cfg *config.Config, providers *Providers, devices Devices, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers, devices: devices}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Provider: providers.Live,
		Input:    devices.Input,
		Output:   devices.Output,
		Audio:    cfg.Audio,
		Session:  cfg.Session,
		History:  a.history,
		Metrics:  a.metrics,
		Observer: a.observer,
	})

	if providers.Speech != nil {
		a.reader = readaloud.New(providers.Speech, devices.Output,
			readaloud.WithPlaybackRate(cfg.Session.PlaybackRate),
			readaloud.WithMetrics(a.metrics),
		)
		a.closers = append(a.closers, a.reader.Close)
	}
	return a, nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.history = history.NewMemory()
		return nil
	}
	store, err := postgres.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.WithChecker("history", store.Ping))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// History returns the transcript store.
func (a *App) History() history.Store { return a.history }

// Run serves HTTP, follows config changes and runs a live session when a
// live provider is configured. It returns when ctx is cancelled or the
// session ends; a session that ended with an error returns that error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		srv, ln, err := a.newServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error {
			_ = a.watcher.Run(gctx, a.applyConfig)
			return nil
		})
	}

	if a.providers.Live != nil {
		ctrl, startErr := a.sessions.Start(gctx)
		g.Go(func() error {
			if startErr != nil {
				if ctrl != nil {
					<-ctrl.Done()
				}
				return startErr
			}
			select {
			case <-ctrl.Done():
				if err := ctrl.Err(); err != nil {
					return err
				}
				return errSessionEnded
			case <-gctx.Done():
				_ = ctrl.Close()
				<-ctrl.Done()
				return nil
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

func (a *App) newServer() (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	opts := append([]health.Option{
		health.WithInfo("session", a.sessions.Status),
	}, a.checkers...)
	health.New(opts...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics, "/healthz", "/readyz", "/metrics")(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, ln, nil
}

// applyConfig reacts to a reloaded config file.
func (a *App) applyConfig(old, cfg *config.Config) {
	d := config.Diff(old, cfg)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.SetSessionConfig(cfg.Session)
		slog.Info("session settings updated; they apply to the next session")
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to take effect", "section", section)
	}
}

// Say reads text aloud and blocks until playback has finished or ctx is
// done.
func (a *App) Say(ctx context.Context, text string) error {
	if a.reader == nil {
		return ErrNoSpeech
	}
	d, err := a.reader.Say(ctx, text)
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		a.reader.Stop()
		return ctx.Err()
	}
}

// Shutdown stops the live session and runs the closers in reverse order. If
// ctx expires first the remaining closers are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.sessions.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
