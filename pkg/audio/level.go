package audio

import "math"

// MeasureLevel returns the RMS energy and peak amplitude of samples, both in
// [0, 1]. An empty slice measures as silence.
func MeasureLevel(samples []float32) Level {
	if len(samples) == 0 {
		return Level{}
	}
	var sum, peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return Level{
		RMS:  math.Sqrt(sum / float64(len(samples))),
		Peak: min(peak, 1),
	}
}
