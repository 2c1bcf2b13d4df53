// Package audio defines the sample types, codec, and device contracts used by
// the parley live voice pipeline.
//
// The device abstractions are:
//
//   - [InputDevice]: a running microphone that pushes float32 sample chunks
//     to a callback.
//   - [OutputDevice]: a clocked speaker that plays [Voice]s scheduled at
//     absolute positions on its own monotonic clock.
//   - [SharedOutput]: a reference-counted handle that lets several playback
//     features use one output device without a process-wide singleton.
//
// Implementations live in sub-packages (audio/miniaudio for real hardware,
// audio/mock for tests). This package lives under pkg/ because external code
// is expected to implement the device interfaces.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDeviceUnavailable is returned when a microphone or speaker cannot be
// acquired (permission denied, no hardware, driver failure).
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputDevice is an open microphone.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type InputDevice interface {
	// Start begins delivering captured mono samples to onSamples. The callback
	// runs on the device's own goroutine and must not block. The slice passed
	// to onSamples is only valid for the duration of the call.
	Start(onSamples func(samples []float32)) error

	// Close stops capture and releases the device.
	Close() error
}

// InputOpener opens a microphone capturing mono audio at sampleRate.
// Failures should wrap [ErrDeviceUnavailable].
type InputOpener func(sampleRate int) (InputDevice, error)

// Voice is a single buffer scheduled on an [OutputDevice].
type Voice interface {
	// Stop halts the voice immediately, whether it is playing or still
	// waiting for its start time. Safe to call more than once.
	Stop()
}

// OutputDevice is an open speaker with a monotonic output clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// SampleRate returns the rate at which the device renders audio.
	SampleRate() int

	// Now returns the device clock: the amount of audio rendered since the
	// device was opened. It never decreases.
	Now() time.Duration

	// Schedule queues mono samples (at SampleRate) to start playing when the
	// device clock reaches at. A start time in the past plays immediately.
	Schedule(samples []float32, at time.Duration) (Voice, error)

	// Close stops all voices and releases the device. Idempotent.
	Close() error
}

// OutputOpener opens the output device. Failures should wrap
// [ErrDeviceUnavailable].
type OutputOpener func() (OutputDevice, error)

// SharedOutput is a reference-counted handle on one output device. The first
// [SharedOutput.Acquire] opens the device and the last [SharedOutput.Release]
// closes it. Pass the handle explicitly to every component that plays audio.
//
// SharedOutput is safe for concurrent use.
type SharedOutput struct {
	open OutputOpener

	mu   sync.Mutex
	dev  OutputDevice
	refs int
}

// NewSharedOutput returns a handle that opens devices with open on demand.
func NewSharedOutput(open OutputOpener) *SharedOutput {
	return &SharedOutput{open: open}
}

// Acquire returns the shared device, opening it if no other holder has it
// open. Every successful Acquire must be paired with exactly one Release.
func (s *SharedOutput) Acquire() (OutputDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		dev, err := s.open()
		if err != nil {
			if !errors.Is(err, ErrDeviceUnavailable) {
				err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
			}
			return nil, err
		}
		s.dev = dev
	}
	s.refs++
	return s.dev, nil
}

// Release drops one reference and closes the device when none remain.
// Extra calls are ignored.
func (s *SharedOutput) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	dev := s.dev
	s.dev = nil
	return dev.Close()
}

// Holders returns the current reference count.
func (s *SharedOutput) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
