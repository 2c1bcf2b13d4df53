// Package mock provides in-memory implementations of the [audio.InputDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.OutputDevice{Rate: 24000}
//	shared := audio.NewSharedOutput(out.Opener())
//	out.Advance(250 * time.Millisecond) // move the output clock
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice]. Tests push
// samples into the registered callback with [InputDevice.Emit].
type InputDevice struct {
	mu sync.Mutex

	// StartError is returned by [InputDevice.Start].
	StartError error

	// CloseError is returned by [InputDevice.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
}

// Start implements [audio.InputDevice].
func (d *InputDevice) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.onSamples = onSamples
	return nil
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onSamples = nil
	return d.CloseError
}

// Emit delivers samples to the callback registered via Start, as if the
// hardware had captured them. It is a no-op when the device is not started.
func (d *InputDevice) Emit(samples []float32) {
	d.mu.Lock()
	cb := d.onSamples
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// Closes returns CallCountClose under the lock.
func (d *InputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// InputOpener is a configurable [audio.InputOpener] that records requested
// sample rates.
type InputOpener struct {
	mu sync.Mutex

	// Device is returned on success.
	Device *InputDevice

	// Err, when non-nil, is returned instead of Device.
	Err error

	// Rates records the sampleRate argument of every call.
	Rates []int
}

// Open implements [audio.InputOpener].
func (o *InputOpener) Open(sampleRate int) (audio.InputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Rates = append(o.Rates, sampleRate)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Device, nil
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ScheduleCall records one [OutputDevice.Schedule] invocation.
type ScheduleCall struct {
	Samples []float32
	At      time.Duration
	Voice   *Voice
}

// Voice is the mock [audio.Voice] returned by [OutputDevice.Schedule].
type Voice struct {
	mu      sync.Mutex
	stopped bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually advanced clock.
type OutputDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Zero means [audio.OutputSampleRate].
	Rate int

	// ScheduleError is returned by [OutputDevice.Schedule].
	ScheduleError error

	// OpenError is returned by the opener from [OutputDevice.Opener].
	OpenError error

	// ScheduleCalls records every Schedule invocation in order.
	ScheduleCalls []ScheduleCall

	// CallCountOpen records how many times the opener was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now time.Duration
}

// Opener returns an [audio.OutputOpener] that hands out this device.
func (d *OutputDevice) Opener() audio.OutputOpener {
	return func() (audio.OutputDevice, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.CallCountOpen++
		if d.OpenError != nil {
			return nil, d.OpenError
		}
		return d, nil
	}
}

// SampleRate implements [audio.OutputDevice].
func (d *OutputDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return audio.OutputSampleRate
	}
	return d.Rate
}

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Advance moves the output clock forward by dt.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += dt
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(samples []float32, at time.Duration) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleError != nil {
		return nil, d.ScheduleError
	}
	v := &Voice{}
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Samples: samples, At: at, Voice: v})
	return v, nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// Closes returns CallCountClose under the lock.
func (d *OutputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// Scheduled returns a snapshot of ScheduleCalls.
func (d *OutputDevice) Scheduled() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Voice        = (*Voice)(nil)
)
