package miniaudio

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

func ones(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTimeline_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000)
	if tl.now() != 0 {
		t.Fatalf("now = %v, want 0", tl.now())
	}
	tl.render(make([]float32, 250))
	if got := tl.now(); got != 250*time.Millisecond {
		t.Errorf("now = %v, want 250ms", got)
	}
}

func TestTimeline_BackToBackVoices(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000)
	tl.schedule(ones(3, 0.1), 0)
	tl.schedule(ones(3, 0.2), 3*time.Millisecond)

	dst := make([]float32, 8)
	tl.render(dst)
	want := []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0.2, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("frame %d = %v, want %v (block %v)", i, dst[i], want[i], dst)
		}
	}
	if len(tl.voices) != 0 {
		t.Errorf("finished voices retained: %d", len(tl.voices))
	}
}

func TestTimeline_VoiceSpansBlocks(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000)
	tl.schedule([]float32{1, 2, 3, 4, 5, 6}, 2*time.Millisecond)

	a := make([]float32, 4)
	tl.render(a)
	b := make([]float32, 4)
	tl.render(b)

	if a[0] != 0 || a[1] != 0 || a[2] != 1 || a[3] != 1 {
		t.Errorf("first block = %v", a)
	}
	// Values above 1 are clamped.
	for i, v := range b {
		if v != 1 {
			t.Errorf("second block[%d] = %v, want 1 (clamped)", i, v)
		}
	}
}

func TestTimeline_PastStartPlaysNow(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000)
	tl.render(make([]float32, 10))
	v := tl.schedule(ones(2, 0.5), 0)
	if v.start != 10 {
		t.Errorf("start = %d, want 10", v.start)
	}
}

func TestTimeline_StoppedVoiceSilent(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000)
	v := tl.schedule(ones(4, 0.5), 0)
	v.Stop()
	v.Stop()

	dst := make([]float32, 4)
	tl.render(dst)
	for i, s := range dst {
		if s != 0 {
			t.Errorf("frame %d = %v after Stop, want 0", i, s)
		}
	}

	tl.schedule(ones(4, 0.5), 0)
	tl.stopAll()
	tl.render(dst)
	for i, s := range dst {
		if s != 0 {
			t.Errorf("frame %d = %v after stopAll, want 0", i, s)
		}
	}
}

// timelineDevice exposes a bare timeline as an output device so scheduler
// behaviour can be checked against the real mixing clock.
type timelineDevice struct{ tl *timeline }

func (d *timelineDevice) SampleRate() int { return d.tl.rate }
func (d *timelineDevice) Now() time.Duration { return d.tl.now() }
func (d *timelineDevice) Close() error { d.tl.stopAll(); return nil }
func (d *timelineDevice) Schedule(samples []float32, at time.Duration) (audio.Voice, error) {
	return d.tl.schedule(samples, at), nil
}

func TestTimeline_SchedulerJoinsSegmentsAt24kHz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rate    float64
		lengths []int
	}{
		{"odd lengths", 1, []int{1001, 1001, 7}},
		{"single samples", 1, []int{1, 1, 1, 1}},
		{"faster playback", 1.3, []int{1001, 2048, 999}},
		{"slower playback", 0.75, []int{1001, 1337}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tl := newTimeline(audio.OutputSampleRate)
			tl.render(make([]float32, 7)) // clock not on a whole nanosecond
			dev := &timelineDevice{tl: tl}
			s := playback.New(audio.NewSharedOutput(func() (audio.OutputDevice, error) { return dev, nil }))
			if err := s.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Teardown()

			total := 0
			for _, n := range tc.lengths {
				seg := audio.Segment{Samples: ones(n, 0.5), SampleRate: audio.OutputSampleRate}
				total += len(audio.ResampleFloat(seg.Samples, audio.OutputSampleRate*tc.rate, audio.OutputSampleRate))
				s.Enqueue(seg, tc.rate)
			}

			out := make([]float32, total+16)
			tl.render(out)
			for i, v := range out {
				want := float32(0)
				if i < total {
					want = 0.5
				}
				if math.Abs(float64(v-want)) > 1e-6 {
					t.Fatalf("frame %d = %v, want %v (stream of %d frames)", i, v, want, total)
				}
			}
		})
	}
}

func TestFrameTime_RoundTrips(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{8000, 16000, 22050, 24000, 44100, 48000} {
		for frame := int64(0); frame < 5000; frame++ {
			if got := audio.FrameIndex(audio.FrameTime(frame, rate), rate); got != frame {
				t.Fatalf("rate %d: frame %d round-trips to %d", rate, frame, got)
			}
		}
	}
}
