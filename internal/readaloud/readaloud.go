// Package readaloud speaks text outside of a live session.
//
// A [Player] renders text with a [speech.Provider] and plays the result
// through the shared output device on its own playback scheduler, so it can
// coexist with a live session's speaker output.
package readaloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/speech"
)

var (
	// ErrEmptyText is returned by [Player.Say] for blank text.
	ErrEmptyText = errors.New("readaloud: empty text")

	// ErrClosed is returned by [Player.Say] after [Player.Close].
	ErrClosed = errors.New("readaloud: player closed")
)

// Option configures a [Player].
type Option func(*Player)

// WithVoice sets the voice passed to the speech backend.
func WithVoice(voice string) Option {
	return func(p *Player) { p.voice = voice }
}

// WithPlaybackRate scales playback speed. Non-positive values are ignored.
func WithPlaybackRate(rate float64) Option {
	return func(p *Player) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Player reads text aloud. Safe for concurrent use; utterances queue behind
// each other on the scheduler.
type Player struct {
	synth   speech.Provider
	sched   *playback.Scheduler
	voice   string
	rate    float64
	metrics *observe.Metrics

	mu     sync.Mutex
	closed bool
}

// New returns a Player that synthesizes with synth and plays through out.
// The output device is acquired on the first [Player.Say].
func New(synth speech.Provider, out *audio.SharedOutput, opts ...Option) *Player {
	p := &Player{
		synth: synth,
		sched: playback.New(out, playback.WithName("readaloud")),
		rate:  1,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Say synthesizes text and schedules it for playback. It returns once the
// audio is queued, together with its playback length at the configured rate.
func (p *Player) Say(ctx context.Context, text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyText
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	ctx, span := observe.StartSpan(ctx, "readaloud.say",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	start := time.Now()
	pcm, err := p.synth.Synthesize(ctx, speech.Request{Text: text, Voice: p.voice})
	p.metrics.SpeechDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("readaloud: synthesize: %w", err)
	}

	seg, err := audio.DecodeSegment(pcm, audio.OutputSampleRate)
	if err != nil {
		p.metrics.DecodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "readaloud")))
		return 0, fmt.Errorf("readaloud: %w", err)
	}

	if err := p.sched.Open(); err != nil {
		return 0, fmt.Errorf("readaloud: %w", err)
	}
	p.sched.Enqueue(seg, p.rate)
	p.metrics.PlaybackSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "readaloud")))

	dur := time.Duration(float64(seg.Duration()) / p.rate)
	observe.Logger(ctx).Debug("readaloud: queued", "chars", len(text), "duration", dur)
	return dur, nil
}

// Stop cuts off anything playing or queued.
func (p *Player) Stop() { p.sched.Interrupt() }

// Pending reports how many utterances are queued or playing.
func (p *Player) Pending() int { return p.sched.Pending() }

// Close stops playback and releases the output device. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.sched.Teardown()
	return nil
}
