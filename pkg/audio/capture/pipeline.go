// Package capture turns a microphone into a steady stream of fixed-size
// [audio.CaptureFrame]s.
//
// The device pushes arbitrarily sized chunks on its own goroutine; the
// [Pipeline] re-windows them into back-to-back frames of exactly
// [audio.FrameSamples] samples and delivers each frame once, in capture
// order, on a buffered channel. The device callback never blocks: when the
// consumer falls behind and the buffer is full the frame is dropped and
// reported.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrAlreadyStarted is returned by [Pipeline.Start] when called twice.
var ErrAlreadyStarted = errors.New("capture: already started")

const defaultBuffer = 32

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per frame. Default: [audio.FrameSamples].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate sets the rate of delivered frames. Default: [audio.InputSampleRate].
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithDeviceRate opens the microphone at hz and resamples to the frame rate.
// Use it for hardware that cannot capture at 16 kHz natively.
func WithDeviceRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.deviceRate = hz
		}
	}
}

// WithBuffer sets the capacity of the frame channel.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithDropHook registers fn to be called (on the device goroutine) whenever a
// frame is dropped because the consumer is not keeping up.
func WithDropHook(fn func(seq uint64)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline owns one microphone for the duration of a capture session.
// A Pipeline is single-use: after [Pipeline.Stop] it cannot be restarted.
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	open       audio.InputOpener
	frameSize  int
	sampleRate int
	deviceRate int
	buffer     int
	onDrop     func(seq uint64)

	mu      sync.Mutex
	dev     audio.InputDevice
	frames  chan audio.CaptureFrame
	pending []float32
	seq     uint64
	started bool
	stopped bool
	done    chan struct{}

	level    atomic.Pointer[audio.Level]
	stopOnce sync.Once
}

// New creates a Pipeline that opens microphones with open.
func New(open audio.InputOpener, opts ...Option) *Pipeline {
	p := &Pipeline{
		open:       open,
		frameSize:  audio.FrameSamples,
		sampleRate: audio.InputSampleRate,
		buffer:     defaultBuffer,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.deviceRate == 0 {
		p.deviceRate = p.sampleRate
	}
	p.level.Store(&audio.Level{})
	return p
}

// Start acquires the microphone and returns the frame stream. The channel is
// closed by [Pipeline.Stop], which also runs when ctx is cancelled.
// Acquisition failures wrap [audio.ErrDeviceUnavailable].
func (p *Pipeline) Start(ctx context.Context) (<-chan audio.CaptureFrame, error) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	p.started = true
	p.frames = make(chan audio.CaptureFrame, p.buffer)
	p.pending = make([]float32, 0, p.frameSize*2)
	p.mu.Unlock()

	dev, err := p.open(p.deviceRate)
	if err != nil {
		p.Stop()
		return nil, deviceErr("open microphone", err)
	}

	p.mu.Lock()
	if p.stopped {
		// Stop raced with the open.
		p.mu.Unlock()
		_ = dev.Close()
		return nil, fmt.Errorf("capture: stopped during start: %w", context.Canceled)
	}
	p.dev = dev
	p.mu.Unlock()

	if err := dev.Start(p.onSamples); err != nil {
		p.Stop()
		return nil, deviceErr("start microphone", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()

	return p.frames, nil
}

func deviceErr(op string, err error) error {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return fmt.Errorf("capture: %s: %w", op, err)
	}
	return fmt.Errorf("capture: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

// onSamples is the device callback. It re-windows chunks into frames.
func (p *Pipeline) onSamples(chunk []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if p.deviceRate != p.sampleRate {
		chunk = audio.ResampleFloat(chunk, float64(p.deviceRate), float64(p.sampleRate))
	}
	p.pending = append(p.pending, chunk...)

	for len(p.pending) >= p.frameSize {
		samples := make([]float32, p.frameSize)
		copy(samples, p.pending)
		n := copy(p.pending, p.pending[p.frameSize:])
		p.pending = p.pending[:n]

		lvl := audio.MeasureLevel(samples)
		p.level.Store(&lvl)

		frame := audio.CaptureFrame{Samples: samples, Seq: p.seq}
		p.seq++
		select {
		case p.frames <- frame:
		default:
			slog.Warn("capture: consumer behind, dropping frame", "seq", frame.Seq)
			if p.onDrop != nil {
				p.onDrop(frame.Seq)
			}
		}
	}
}

// Level returns the amplitude of the most recently captured frame.
func (p *Pipeline) Level() audio.Level {
	return *p.level.Load()
}

// Stop releases the microphone and closes the frame channel. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		dev := p.dev
		p.dev = nil
		if p.frames != nil {
			close(p.frames)
		}
		p.pending = nil
		p.level.Store(&audio.Level{})
		close(p.done)
		p.mu.Unlock()

		if dev != nil {
			if err := dev.Close(); err != nil {
				slog.Warn("capture: close microphone", "err", err)
			}
		}
	})
}
