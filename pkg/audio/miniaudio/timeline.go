package miniaudio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// voice is one scheduled buffer on a timeline.
type voice struct {
	samples []float32
	start   int64 // absolute frame index
	stopped atomic.Bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() { v.stopped.Store(true) }

// timeline mixes scheduled voices into consecutive output blocks. Its clock
// is the number of frames rendered so far.
type timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64
	voices []*voice
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// now returns the clock as a duration.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FrameTime(t.pos, t.rate)
}

// schedule places samples to start at the frame nearest to at. Times in the
// past start at the next rendered frame.
func (t *timeline) schedule(samples []float32, at time.Duration) *voice {
	start := audio.FrameIndex(at, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	v := &voice{samples: samples, start: start}
	t.voices = append(t.voices, v)
	return v
}

// render fills dst with the mix of all voices overlapping the next len(dst)
// frames, advances the clock and forgets finished voices.
func (t *timeline) render(dst []float32) {
	clear(dst)

	t.mu.Lock()
	defer t.mu.Unlock()

	blockStart := t.pos
	blockEnd := blockStart + int64(len(dst))

	kept := t.voices[:0]
	for _, v := range t.voices {
		if v.stopped.Load() {
			continue
		}
		vEnd := v.start + int64(len(v.samples))
		from := max(v.start, blockStart)
		to := min(vEnd, blockEnd)
		for f := from; f < to; f++ {
			dst[f-blockStart] += v.samples[f-v.start]
		}
		if vEnd > blockEnd {
			kept = append(kept, v)
		}
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = blockEnd

	for i, s := range dst {
		if s > 1 {
			dst[i] = 1
		} else if s < -1 {
			dst[i] = -1
		}
	}
}

// stopAll stops and forgets every voice.
func (t *timeline) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.voices {
		v.Stop()
	}
	t.voices = nil
}
