package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// segment returns a silent 24 kHz segment lasting d.
func segment(d time.Duration) audio.Segment {
	n := int(d * audio.OutputSampleRate / time.Second)
	return audio.Segment{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate}
}

func newOpenScheduler(t *testing.T, dev *mock.OutputDevice, opts ...playback.Option) *playback.Scheduler {
	t.Helper()
	s := playback.New(audio.NewSharedOutput(dev.Opener()), opts...)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Teardown)
	return s
}

func TestScheduler_Gapless(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	dev.Advance(time.Second)
	s := newOpenScheduler(t, dev)

	durs := []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 40 * time.Millisecond}
	for _, d := range durs {
		s.Enqueue(segment(d), 1.0)
	}

	calls := dev.Scheduled()
	if len(calls) != len(durs) {
		t.Fatalf("scheduled %d segments, want %d", len(calls), len(durs))
	}
	if calls[0].At != time.Second {
		t.Errorf("first start = %v, want %v (device now)", calls[0].At, time.Second)
	}
	for k := 0; k+1 < len(calls); k++ {
		if want := calls[k].At + durs[k]; calls[k+1].At != want {
			t.Errorf("segment %d starts at %v, want %v", k+1, calls[k+1].At, want)
		}
	}
}

func TestScheduler_StarvedResumesAtNow(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	s := newOpenScheduler(t, dev)

	s.Enqueue(segment(100*time.Millisecond), 1.0)
	dev.Advance(500 * time.Millisecond)
	s.Enqueue(segment(100*time.Millisecond), 1.0)

	calls := dev.Scheduled()
	if calls[1].At != 500*time.Millisecond {
		t.Errorf("starved start = %v, want 500ms", calls[1].At)
	}
}

func TestScheduler_InterruptResetsCursor(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	s := newOpenScheduler(t, dev)

	for range 20 {
		s.Enqueue(segment(time.Second), 1.0)
	}
	dev.Advance(2 * time.Second)

	s.Interrupt()
	s.Interrupt() // idempotent

	for i, c := range dev.Scheduled() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d not stopped by Interrupt", i)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after Interrupt, want 0", s.Pending())
	}

	s.Enqueue(segment(100*time.Millisecond), 1.0)
	calls := dev.Scheduled()
	if last := calls[len(calls)-1]; last.At != 2*time.Second {
		t.Errorf("post-interrupt start = %v, want 2s (device now), not the old cursor", last.At)
	}
}

func TestScheduler_InterruptWhenIdle(t *testing.T) {
	t.Parallel()

	s := playback.New(audio.NewSharedOutput((&mock.OutputDevice{}).Opener()))
	s.Interrupt() // not open: must not panic
}

func TestScheduler_Rate(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	s := newOpenScheduler(t, dev)

	s.Enqueue(segment(200*time.Millisecond), 2.0)
	s.Enqueue(segment(200*time.Millisecond), 2.0)

	calls := dev.Scheduled()
	if calls[1].At != 100*time.Millisecond {
		t.Errorf("second start = %v, want 100ms at double speed", calls[1].At)
	}
	if got, want := len(calls[0].Samples), 2400; got != want {
		t.Errorf("stretched length = %d samples, want %d", got, want)
	}
}

func TestScheduler_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{Rate: 48000}
	s := newOpenScheduler(t, dev)

	s.Enqueue(segment(100*time.Millisecond), 1.0)
	if got := len(dev.Scheduled()[0].Samples); got != 4800 {
		t.Errorf("samples = %d, want 4800 at 48kHz", got)
	}
}

func TestScheduler_TeardownIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	s := playback.New(audio.NewSharedOutput(dev.Opener()))
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Enqueue(segment(time.Second), 1.0)

	s.Teardown()
	s.Teardown()

	if dev.CallCountClose != 1 {
		t.Errorf("device closes = %d, want 1", dev.CallCountClose)
	}
	if !dev.Scheduled()[0].Voice.Stopped() {
		t.Error("Teardown did not stop playing voice")
	}

	// Enqueue after teardown is swallowed.
	s.Enqueue(segment(time.Second), 1.0)
	if n := len(dev.Scheduled()); n != 1 {
		t.Errorf("scheduled after teardown: %d calls, want 1", n)
	}

	if err := s.Open(); !errors.Is(err, playback.ErrTornDown) {
		t.Errorf("Open after Teardown err = %v, want ErrTornDown", err)
	}
}

func TestScheduler_SharedDeviceOutlivesOneHolder(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	shared := audio.NewSharedOutput(dev.Opener())

	live := playback.New(shared, playback.WithName("live"))
	aloud := playback.New(shared, playback.WithName("read-aloud"))
	if err := live.Open(); err != nil {
		t.Fatal(err)
	}
	if err := aloud.Open(); err != nil {
		t.Fatal(err)
	}

	live.Teardown()
	if dev.CallCountClose != 0 {
		t.Fatal("device closed while another scheduler holds it")
	}
	aloud.Enqueue(segment(50*time.Millisecond), 1.0)
	if len(dev.Scheduled()) != 1 {
		t.Error("remaining holder could not schedule")
	}
	aloud.Teardown()
	if dev.CallCountClose != 1 {
		t.Errorf("device closes = %d, want 1", dev.CallCountClose)
	}
}

func TestScheduler_ScheduleErrorSwallowed(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{ScheduleError: errors.New("device lost")}
	s := newOpenScheduler(t, dev)
	s.Enqueue(segment(10*time.Millisecond), 1.0)
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestScheduler_OpenFailure(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{OpenError: errors.New("busy")}
	s := playback.New(audio.NewSharedOutput(dev.Opener()))
	if err := s.Open(); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open err = %v, want ErrDeviceUnavailable", err)
	}
	s.Enqueue(segment(10*time.Millisecond), 1.0) // no-op, no panic
	s.Teardown()
}

func TestScheduler_OnScheduledHook(t *testing.T) {
	t.Parallel()

	var got []time.Duration
	dev := &mock.OutputDevice{}
	s := newOpenScheduler(t, dev, playback.WithOnScheduled(func(start, _ time.Duration) {
		got = append(got, start)
	}))
	s.Enqueue(segment(10*time.Millisecond), 1.0)
	s.Enqueue(segment(10*time.Millisecond), 1.0)
	if len(got) != 2 || got[1] != 10*time.Millisecond {
		t.Errorf("hook starts = %v, want [0s 10ms]", got)
	}
}

func TestScheduler_CursorCountsDeviceFrames(t *testing.T) {
	t.Parallel()

	dev := &mock.OutputDevice{}
	s := newOpenScheduler(t, dev)

	// 1001 samples at 24 kHz is not a whole number of nanoseconds.
	for range 3 {
		s.Enqueue(audio.Segment{Samples: make([]float32, 1001), SampleRate: audio.OutputSampleRate}, 1.0)
	}
	s.Enqueue(audio.Segment{Samples: make([]float32, 1001), SampleRate: audio.OutputSampleRate}, 1.5)

	var frame int64
	for i, c := range dev.Scheduled() {
		if got := audio.FrameIndex(c.At, audio.OutputSampleRate); got != frame {
			t.Errorf("segment %d starts at frame %d, want %d", i, got, frame)
		}
		frame += int64(len(c.Samples))
	}
}
