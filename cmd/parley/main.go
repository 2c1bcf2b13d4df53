// Command parley runs a realtime voice conversation with a live speech
// backend through the default microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/livemode"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/miniaudio"
	"github.com/MrWong99/parley/pkg/provider/live"
	geminilive "github.com/MrWong99/parley/pkg/provider/live/gemini"
	oailive "github.com/MrWong99/parley/pkg/provider/live/openai"
	"github.com/MrWong99/parley/pkg/provider/speech"
	geminispeech "github.com/MrWong99/parley/pkg/provider/speech/gemini"
	oaispeech "github.com/MrWong99/parley/pkg/provider/speech/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	say := flag.String("say", "", "read `text` aloud with the speech provider and exit")
	meter := flag.Bool("meter", false, "print the microphone level during the live session")
	search := flag.String("search", "", "print stored transcript lines containing `text` and exit")
	flag.Parse()

	// A missing .env is fine; keys may come from the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: load .env: %v\n", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parley starting", "version", version, "config", *configPath, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version, RuntimeCollectors: true})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, metrics)
	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if cfg.Audio.Backend != config.DefaultAudioBackend {
		slog.Error("unsupported audio backend", "backend", cfg.Audio.Backend)
		return 1
	}
	mctx, err := miniaudio.NewContext()
	if err != nil {
		slog.Error("failed to init audio backend", "err", err)
		return 1
	}
	defer func() {
		if err := mctx.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}()
	outRate := cfg.Audio.OutputRate
	if outRate == 0 {
		outRate = audio.OutputSampleRate
	}
	devices := app.Devices{
		Input:  mctx.OpenInput,
		Output: audio.NewSharedOutput(mctx.OutputOpener(outRate)),
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, devices,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithLevelVar(&level),
		app.WithWatcher(watcher),
		app.WithObserver(newConsoleObserver(*meter)),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *search != "" {
		return printSearch(ctx, application, *search)
	}

	if *say != "" {
		if err := application.Say(ctx, *say); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("read aloud failed", "err", err)
			return 1
		}
		return 0
	}

	if providers.Live == nil {
		slog.Error("no live provider configured; set live.name or use -say")
		return 1
	}

	slog.Info("live session starting, press Ctrl+C to end it")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, livemode.Message(err))
		slog.Error("session ended with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in backend factories into reg.
// Transport queue drops are counted per provider in m.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, m *observe.Metrics) {
	dropHook := func(name string) func() {
		attrs := metric.WithAttributes(observe.Attr("provider", name))
		return func() { m.TransportDrops.Add(context.Background(), 1, attrs) }
	}

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []geminilive.Option{geminilive.WithDropHook(dropHook("gemini"))}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "outbox_capacity"); n > 0 {
			opts = append(opts, geminilive.WithOutboxCapacity(n))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []oailive.Option{
			oailive.WithDropHook(dropHook("openai")),
			oailive.WithErrorHook(func(error) { m.RecordProviderError(context.Background(), "openai", "live") }),
		}
		if entry.Model != "" {
			opts = append(opts, oailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oailive.WithBaseURL(entry.BaseURL))
		}
		if model := optString(entry.Options, "transcription_model"); model != "" {
			opts = append(opts, oailive.WithTranscriptionModel(model))
		}
		if n := optInt(entry.Options, "outbox_capacity"); n > 0 {
			opts = append(opts, oailive.WithOutboxCapacity(n))
		}
		return oailive.New(entry.APIKey, opts...), nil
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("gemini", func(entry config.ProviderEntry) (speech.Provider, error) {
		var opts []geminispeech.Option
		if entry.Model != "" {
			opts = append(opts, geminispeech.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminispeech.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, geminispeech.WithVoice(entry.Voice))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, geminispeech.WithTimeout(d))
		}
		return geminispeech.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterSpeech("openai", func(entry config.ProviderEntry) (speech.Provider, error) {
		var opts []oaispeech.Option
		if entry.Model != "" {
			opts = append(opts, oaispeech.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaispeech.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, oaispeech.WithVoice(entry.Voice))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaispeech.WithTimeout(d))
		}
		if _, ok := entry.Options["max_retries"]; ok {
			opts = append(opts, oaispeech.WithMaxRetries(optInt(entry.Options, "max_retries")))
		}
		return oaispeech.New(entry.APIKey, opts...)
	})
}

// ── Console output ────────────────────────────────────────────────────────────

// newConsoleObserver prints status changes, captions and committed turns to
// stdout. With meter set it also draws the input level.
func newConsoleObserver(meter bool) livemode.Observer {
	obs := livemode.Observer{
		OnStatus: func(s livemode.Status) { fmt.Printf("\r[%s]\n", s) },
		OnEntry: func(e turn.Entry) {
			fmt.Printf("\r%-9s %s\n", e.Role.String()+":", e.Text)
		},
		OnError: func(msg string) { fmt.Fprintf(os.Stderr, "\r%s\n", msg) },
	}
	if meter {
		obs.OnLevel = func(l audio.Level) {
			bars := min(int(l.RMS*200), 40)
			fmt.Printf("\r|%-40s|", strings.Repeat("#", bars))
		}
	}
	return obs
}

// printSearch prints history matches, one line per committed utterance.
func printSearch(ctx context.Context, a *app.App, query string) int {
	recs, err := a.History().Search(ctx, query, 50)
	if err != nil {
		slog.Error("history search failed", "err", err)
		return 1
	}
	for _, r := range recs {
		fmt.Printf("%s  %s #%d  %-9s %s\n", r.At.Local().Format(time.DateTime), r.SessionID, r.Seq, r.Role.String()+":", r.Text)
	}
	if len(recs) == 0 {
		fmt.Println("no matches")
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley  startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Live.Name, cfg.Live.Model)
	printProvider("Speech", cfg.Speech.Primary.Name, cfg.Speech.Primary.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Speech.Fallbacks))
	printProvider("Voice", cfg.Session.Voice, "")
	fmt.Printf("║  Playback rate   : %-19.2f ║\n", cfg.Session.PlaybackRate)
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "in-memory")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration extracts a duration such as "10s" from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
