package audio

import "time"

const (
	// InputSampleRate is the rate at which microphone audio is captured and
	// sent to the live backend.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio delivered by the live backend and
	// by non-live speech generation.
	OutputSampleRate = 24000

	// FrameSamples is the number of samples in one capture frame
	// (2048 / 16000 Hz ≈ 128 ms).
	FrameSamples = 2048
)

// Segment is an immutable decoded buffer of mono PCM samples ready for
// playback. Segments are owned by the playback scheduler once enqueued.
type Segment struct {
	// Samples are mono float32 samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for backend-delivered audio).
	SampleRate int
}

// Duration returns the playback length of the segment at its native rate.
func (s Segment) Duration() time.Duration {
	return samplesToDuration(len(s.Samples), s.SampleRate)
}

// CaptureFrame is a fixed-length window of microphone samples. Frames are
// transient: consumers must not retain Samples past the capture cycle.
type CaptureFrame struct {
	// Samples holds exactly one frame of mono float32 samples.
	Samples []float32

	// Seq is the capture-order index of the frame, starting at 0.
	Seq uint64
}

// Level is an amplitude snapshot used for visual feedback.
type Level struct {
	RMS  float64
	Peak float64
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// FrameTime converts a frame index at rate to a device-clock time, rounding
// up to the next nanosecond. [FrameIndex] maps the result back to frame
// exactly, so positions computed in frames survive the round trip.
func FrameTime(frame int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration((frame*int64(time.Second) + r - 1) / r)
}

// FrameIndex converts a device-clock time to the nearest frame index at rate.
func FrameIndex(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
