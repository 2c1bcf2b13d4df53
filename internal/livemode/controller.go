// Package livemode supervises one realtime voice session.
//
// A [Controller] acquires the microphone and the speaker, opens a
// [live.Session], streams captured frames upstream, plays received audio,
// rebuilds the transcript with a [turn.Aggregator] and tears everything down
// exactly once. Transport callbacks never touch controller state directly:
// they post events to a single event-loop goroutine that owns the
// aggregator and the status machine.
//
//	Connecting ──open──▶ Active ──closed/Close──▶ Closed
//	     │                                          ▲
//	     └──device failure──▶ Error ──delay─────────┘
package livemode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrAlreadyStarted is returned by [Controller.Start] on a second call.
var ErrAlreadyStarted = errors.New("livemode: controller already started")

const (
	defaultErrorCloseDelay = 3 * time.Second
	eventBuffer            = 256
	persistBuffer          = 64
	persistTimeout         = 5 * time.Second
)

// Status is the externally visible session state.
type Status int32

const (
	StatusConnecting Status = iota
	StatusActive
	StatusError
	StatusClosed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Capturer is the microphone side of a session. *capture.Pipeline
// implements it.
type Capturer interface {
	Start(ctx context.Context) (<-chan audio.CaptureFrame, error)
	Stop()
	Level() audio.Level
}

// Player is the speaker side of a session. *playback.Scheduler implements it.
type Player interface {
	Open() error
	Enqueue(seg audio.Segment, rate float64)
	Interrupt()
	Teardown()
}

// Deps are the components a Controller supervises. All are required.
type Deps struct {
	Capture  Capturer
	Player   Player
	Provider live.Provider
}

// Observer receives presentation updates. Every field is optional. Callbacks
// run on controller goroutines and must return quickly.
type Observer struct {
	OnStatus  func(Status)
	OnCaption func(turn.Caption)
	OnEntry   func(turn.Entry)
	// OnError receives a short message suitable for showing to the user.
	OnError func(msg string)
	// OnLevel is polled from the capture pipeline at the level interval.
	OnLevel func(audio.Level)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithVoice selects the backend voice.
func WithVoice(voice string) Option {
	return func(c *Controller) { c.cfg.Voice = voice }
}

// WithInstructions sets the system prompt sent when the session opens.
func WithInstructions(text string) Option {
	return func(c *Controller) { c.cfg.Instructions = text }
}

// WithPlaybackRate scales playback speed. Non-positive values are ignored.
func WithPlaybackRate(rate float64) Option {
	return func(c *Controller) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithErrorCloseDelay sets how long a session stays in [StatusError] before
// it moves to [StatusClosed]. Default: 3s.
func WithErrorCloseDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.errorDelay = d
		}
	}
}

// WithObserver installs presentation callbacks.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithHistory persists committed entries to store.
func WithHistory(store history.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLevelInterval sets how often the input level is sampled for
// [Observer.OnLevel]. Zero disables sampling.
func WithLevelInterval(d time.Duration) Option {
	return func(c *Controller) { c.levelEvery = d }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// Controller runs one live session. It is single-use: once Closed it cannot
// be restarted. All exported methods are safe for concurrent use.
type Controller struct {
	deps       Deps
	cfg        live.Config
	rate       float64
	errorDelay time.Duration
	levelEvery time.Duration
	obs        Observer
	store      history.Store
	metrics    *observe.Metrics
	id         string

	started atomic.Bool
	status  atomic.Int32

	// ctx lives from Start until teardown; cancel stops every helper goroutine.
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	log       *slog.Logger
	begin     time.Time
	stopWatch func() bool

	events  chan event
	persist chan history.Record

	mu    sync.Mutex
	sess  live.Session
	err   error
	agg   *turn.Aggregator // owns captions and committed history
	timer *time.Timer

	teardownOnce sync.Once
	finishOnce   sync.Once
	done         chan struct{}
}

// New creates a Controller. Nothing is acquired until [Controller.Start].
func New(deps Deps, opts ...Option) *Controller {
	c := &Controller{
		deps:       deps,
		rate:       1,
		errorDelay: defaultErrorCloseDelay,
		id:         uuid.NewString(),
		agg:        turn.New(),
		events:     make(chan event, eventBuffer),
		persist:    make(chan history.Record, persistBuffer),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.status.Store(int32(StatusConnecting))
	return c
}

// ID returns the session ID used for logs and history records.
func (c *Controller) ID() string { return c.id }

// Status returns the current state.
func (c *Controller) Status() Status { return Status(c.status.Load()) }

// Err returns the error that ended the session, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the session has reached [StatusClosed] and released
// its devices.
func (c *Controller) Done() <-chan struct{} { return c.done }

// History returns a copy of the entries committed so far.
func (c *Controller) History() []turn.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agg.History()
}

// Start acquires the microphone and the speaker, then opens the transport.
// It returns once the transport request is on the wire; [StatusActive]
// follows when the backend accepts the session.
//
// Device failures wrap [audio.ErrDeviceUnavailable] and leave the session in
// [StatusError] until the error close delay expires. Transport open failures
// wrap [live.ErrTransportClosed] and close the session immediately.
// Cancelling ctx closes the session.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	spanCtx, span := observe.StartSpan(ctx, "livemode.session",
		trace.WithAttributes(attribute.String("session.id", c.id)))
	c.span = span
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(spanCtx))
	c.log = observe.Logger(spanCtx, "session_id", c.id)
	c.begin = time.Now()
	c.metrics.ActiveSessions.Add(c.ctx, 1)

	c.stopWatch = context.AfterFunc(ctx, func() { _ = c.Close() })
	c.notifyStatus(StatusConnecting)

	frames, err := c.deps.Capture.Start(c.ctx)
	if err != nil {
		return c.startFailed(err)
	}
	if err := c.deps.Player.Open(); err != nil {
		return c.startFailed(err)
	}

	sess, err := c.deps.Provider.Open(c.ctx, c.cfg, &handler{c: c})
	if err != nil {
		err = asTransportClosed(err)
		c.log.Error("livemode: open transport", "err", err)
		c.finish(err)
		return err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		// Closed while the transport was dialing.
		_ = sess.Close()
		return errClosedDuringStart
	}

	go c.loop()
	go c.forward(frames, sess)
	if c.store != nil {
		go c.persistLoop()
	}
	if c.levelEvery > 0 && c.obs.OnLevel != nil {
		go c.sampleLevel()
	}

	c.log.Info("livemode: session starting", "voice", c.cfg.Voice, "playback_rate", c.rate)
	return nil
}

// Close ends the session and releases every resource. It is idempotent and
// safe to call from any state, including from observer callbacks.
func (c *Controller) Close() error {
	c.started.Store(true)
	c.finish(nil)
	return nil
}

var errClosedDuringStart = fmt.Errorf("livemode: closed during start: %w", context.Canceled)

// startFailed handles a device error from Start. A Close that raced with
// Start has already torn the devices down, so their errors are not reported.
func (c *Controller) startFailed(err error) error {
	if c.Status() == StatusClosed {
		return errClosedDuringStart
	}
	c.failDevice(err)
	return err
}

// failDevice moves to Error, releases whatever was acquired and schedules
// the move to Closed.
func (c *Controller) failDevice(err error) {
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	c.log.Error("livemode: audio device unavailable", "err", err)

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.setStatus(StatusError)
	c.notifyError(err)
	c.teardown()

	c.mu.Lock()
	c.timer = time.AfterFunc(c.errorDelay, func() { c.finish(err) })
	c.mu.Unlock()
}

// teardown releases devices and the transport in a fixed order, once.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.deps.Capture.Stop()
		c.deps.Player.Teardown()

		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	})
}

// finish tears down and moves to Closed, once. err is recorded when no
// earlier error was.
func (c *Controller) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.err == nil {
			c.err = err
		}
		err = c.err
		c.mu.Unlock()

		c.teardown()
		c.setStatus(StatusClosed)
		if c.stopWatch != nil {
			c.stopWatch()
		}

		if c.span != nil {
			elapsed := time.Since(c.begin)
			c.metrics.ActiveSessions.Add(context.Background(), -1)
			c.metrics.SessionDuration.Record(context.Background(), elapsed.Seconds())
			if err != nil {
				c.span.RecordError(err)
				c.span.SetStatus(codes.Error, err.Error())
			}
			c.span.End()
			c.log.Info("livemode: session closed", "duration", elapsed, "err", err)
		}
		close(c.done)
	})
}

// setStatus moves to s unless the session is already Closed.
func (c *Controller) setStatus(s Status) {
	for {
		cur := c.status.Load()
		if Status(cur) == StatusClosed || Status(cur) == s {
			return
		}
		if c.status.CompareAndSwap(cur, int32(s)) {
			c.notifyStatus(s)
			return
		}
	}
}

func (c *Controller) notifyStatus(s Status) {
	if c.obs.OnStatus != nil {
		c.obs.OnStatus(s)
	}
}

func (c *Controller) notifyError(err error) {
	if c.obs.OnError != nil {
		c.obs.OnError(Message(err))
	}
}

// Message turns a session error into a short user-facing sentence.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "Microphone or speaker unavailable. Check that the device is connected and access is allowed."
	case errors.Is(err, live.ErrTransportClosed):
		return "The connection to the voice service was closed."
	default:
		return "The live session failed."
	}
}

// asTransportClosed wraps err in [live.ErrTransportClosed]. A nil err is a
// clean close and maps to the sentinel itself.
func asTransportClosed(err error) error {
	switch {
	case err == nil:
		return live.ErrTransportClosed
	case errors.Is(err, live.ErrTransportClosed):
		return err
	}
	return fmt.Errorf("%w: %w", live.ErrTransportClosed, err)
}
