// Package playback schedules decoded audio segments back to back on an
// output device clock.
//
// A [Scheduler] keeps a single playback cursor: the device frame at which the
// next segment should start. The cursor counts frames at the device rate and
// is converted to a clock time only when a segment is handed to the device.
// Each enqueued segment starts at the later of the cursor and the current
// device time, so segments that arrive faster than real time play gaplessly
// and a starved scheduler resumes immediately rather than preserving the gap. [Scheduler.Interrupt] is the barge-in primitive.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrTornDown is returned by [Scheduler.Open] after [Scheduler.Teardown].
var ErrTornDown = errors.New("playback: scheduler torn down")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithName sets the name used in log messages. Useful when several schedulers
// share one output device.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithOnScheduled registers a hook invoked after each segment is placed on
// the device clock. start and dur are device-clock values. The hook runs with
// the scheduler lock held and must not call back into the scheduler.
func WithOnScheduled(fn func(start, dur time.Duration)) Option {
	return func(s *Scheduler) { s.onScheduled = fn }
}

// scheduled is one voice this scheduler placed on the device.
type scheduled struct {
	voice audio.Voice
	end   time.Duration
}

// Scheduler plays [audio.Segment]s in enqueue order on a shared output device.
//
// All exported methods are safe for concurrent use. Playback failures are
// logged and swallowed; they never reach the caller.
type Scheduler struct {
	out         *audio.SharedOutput
	name        string
	onScheduled func(start, dur time.Duration)

	mu       sync.Mutex
	dev      audio.OutputDevice // nil until Open and after Teardown
	cursor   int64              // next start, in device frames
	voices   []scheduled
	released bool

	teardownOnce sync.Once
}

// New creates a Scheduler that plays through out. The device is not acquired
// until [Scheduler.Open] is called.
func New(out *audio.SharedOutput, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:  out,
		name: "playback",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the output device. Calling Open on an already open scheduler
// is a no-op. Failures wrap [audio.ErrDeviceUnavailable].
func (s *Scheduler) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrTornDown
	}
	if s.dev != nil {
		return nil
	}
	dev, err := s.out.Acquire()
	if err != nil {
		return fmt.Errorf("playback: open output: %w", err)
	}
	s.dev = dev
	return nil
}

// Enqueue schedules seg to play after everything previously enqueued. rate
// scales playback speed: the effective duration is seg.Duration()/rate,
// rounded to whole device frames. Consecutive segments share no frame and
// leave none empty.
// A non-positive rate is treated as 1.
//
// Enqueue is a no-op when the device is not open or has been released.
func (s *Scheduler) Enqueue(seg audio.Segment, rate float64) {
	if rate <= 0 {
		rate = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || len(seg.Samples) == 0 {
		return
	}

	now := s.dev.Now()
	s.pruneLocked(now)

	if seg.SampleRate <= 0 {
		seg.SampleRate = audio.OutputSampleRate
	}
	devRate := s.dev.SampleRate()
	samples := audio.ResampleFloat(seg.Samples, float64(seg.SampleRate)*rate, float64(devRate))
	if len(samples) == 0 {
		return
	}

	first := max(s.cursor, audio.FrameIndex(now, devRate))
	next := first + int64(len(samples))
	start := audio.FrameTime(first, devRate)
	end := audio.FrameTime(next, devRate)

	voice, err := s.dev.Schedule(samples, start)
	if err != nil {
		slog.Warn("playback: dropping segment", "scheduler", s.name, "err", err)
		return
	}
	s.voices = append(s.voices, scheduled{voice: voice, end: end})
	s.cursor = next

	if s.onScheduled != nil {
		s.onScheduled(start, end-start)
	}
}

// Interrupt stops every playing or pending segment and resets the cursor so
// that the next Enqueue starts at the current device time. Idempotent.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for _, v := range s.voices {
		v.voice.Stop()
	}
	s.voices = nil
	s.cursor = 0
}

// Teardown interrupts playback and releases the output device. Safe to call
// multiple times; only the first call has an effect.
func (s *Scheduler) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.interruptLocked()
		held := s.dev != nil
		s.dev = nil
		s.released = true
		s.mu.Unlock()

		if !held {
			return
		}
		if err := s.out.Release(); err != nil {
			slog.Warn("playback: release output", "scheduler", s.name, "err", err)
		}
	})
}

// Pending returns the number of segments that are scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		s.pruneLocked(s.dev.Now())
	}
	return len(s.voices)
}

// pruneLocked forgets voices that have finished by now.
func (s *Scheduler) pruneLocked(now time.Duration) {
	kept := s.voices[:0]
	for _, v := range s.voices {
		if v.end > now {
			kept = append(kept, v)
		}
	}
	clear(s.voices[len(kept):])
	s.voices = kept
}
