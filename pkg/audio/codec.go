package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidFrameLength is returned when PCM16 input has an odd byte count.
	ErrInvalidFrameLength = errors.New("audio: invalid pcm16 frame length")

	// ErrInvalidEncoding is returned when transport text is not valid base64.
	ErrInvalidEncoding = errors.New("audio: invalid transport encoding")

	// ErrDecodeFailure wraps any failure to turn a received frame into a
	// playable [Segment].
	ErrDecodeFailure = errors.New("audio: decode failure")
)

// FloatToPCM16 converts float samples to 16-bit little-endian PCM. Samples
// are clamped to [-1, 1]; positive values scale by 32767 and negative values
// by 32768 so neither end overflows. NaN is encoded as silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

// PCM16ToFloat converts 16-bit little-endian PCM to float samples in [-1, 1).
// Returns [ErrInvalidFrameLength] if len(pcm) is odd.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrameLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out, nil
}

// BytesToTransport encodes raw bytes as text suitable for JSON transport.
func BytesToTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// TransportToBytes is the inverse of [BytesToTransport]. Malformed input
// yields [ErrInvalidEncoding].
func TransportToBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// DecodeSegment turns a PCM16 payload into a playable [Segment] at rate.
// Any failure wraps [ErrDecodeFailure].
func DecodeSegment(pcm []byte, rate int) (Segment, error) {
	if len(pcm) == 0 {
		return Segment{}, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}
	samples, err := PCM16ToFloat(pcm)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	return Segment{Samples: samples, SampleRate: rate}, nil
}
