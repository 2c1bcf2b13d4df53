// Package miniaudio implements the [audio.InputDevice] and [audio.OutputDevice]
// interfaces on top of miniaudio via github.com/gen2brain/malgo.
//
// Both directions use mono float32 samples. The output device renders a
// timeline of scheduled voices; its clock advances only as the hardware pulls
// frames, which makes it a true output-device clock rather than wall time.
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*inputDevice)(nil)
	_ audio.OutputDevice = (*outputDevice)(nil)
	_ audio.Voice        = (*voice)(nil)
)

const bytesPerSample = 4 // float32

// Context owns the miniaudio backend context shared by all devices it opens.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the default miniaudio backend.
func NewContext() (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &Context{ctx: mctx}, nil
}

// Close releases the backend context. Close every device first.
func (c *Context) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	c.ctx.Free()
	return nil
}

// OpenInput implements [audio.InputOpener] for the default capture device.
func (c *Context) OpenInput(sampleRate int) (audio.InputDevice, error) {
	in := &inputDevice{}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: in.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	in.dev = dev
	return in, nil
}

// OutputOpener returns an [audio.OutputOpener] for the default playback
// device at sampleRate.
func (c *Context) OutputOpener(sampleRate int) audio.OutputOpener {
	return func() (audio.OutputDevice, error) {
		out := &outputDevice{tl: newTimeline(sampleRate)}

		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = 1
		cfg.SampleRate = uint32(sampleRate)
		cfg.Alsa.NoMMap = 1

		dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: out.onData,
		})
		if err != nil {
			return nil, fmt.Errorf("miniaudio: init playback: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return nil, fmt.Errorf("miniaudio: start playback: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		out.dev = dev
		return out, nil
	}
}

// ─── input ────────────────────────────────────────────────────────────────────

type inputDevice struct {
	dev *malgo.Device

	mu        sync.Mutex
	onSamples func([]float32)
	buf       []float32
	closed    bool
}

func (d *inputDevice) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("miniaudio: capture closed: %w", audio.ErrDeviceUnavailable)
	}
	d.onSamples = onSamples
	if err := d.dev.Start(); err != nil {
		d.onSamples = nil
		return fmt.Errorf("miniaudio: start capture: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

func (d *inputDevice) onData(_, input []byte, frameCount uint32) {
	n := int(frameCount)
	if n == 0 || len(input) < n*bytesPerSample {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onSamples == nil {
		return
	}
	if cap(d.buf) < n {
		d.buf = make([]float32, n)
	}
	d.buf = d.buf[:n]
	for i := range d.buf {
		d.buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*bytesPerSample:]))
	}
	d.onSamples(d.buf)
}

func (d *inputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.onSamples = nil
	d.mu.Unlock()

	// Uninit stops the device and waits for the callback to return, so it
	// must run without d.mu held.
	d.dev.Uninit()
	return nil
}

// ─── output ───────────────────────────────────────────────────────────────────

type outputDevice struct {
	dev *malgo.Device
	tl  *timeline

	scratch   []float32
	closeOnce sync.Once
}

func (d *outputDevice) onData(output, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if n == 0 || len(output) < n*bytesPerSample {
		return
	}
	if cap(d.scratch) < n {
		d.scratch = make([]float32, n)
	}
	block := d.scratch[:n]
	d.tl.render(block)
	for i, s := range block {
		binary.LittleEndian.PutUint32(output[i*bytesPerSample:], math.Float32bits(s))
	}
}

func (d *outputDevice) SampleRate() int { return d.tl.rate }

func (d *outputDevice) Now() time.Duration { return d.tl.now() }

func (d *outputDevice) Schedule(samples []float32, at time.Duration) (audio.Voice, error) {
	return d.tl.schedule(samples, at), nil
}

func (d *outputDevice) Close() error {
	d.closeOnce.Do(func() {
		d.tl.stopAll()
		d.dev.Uninit()
	})
	return nil
}
