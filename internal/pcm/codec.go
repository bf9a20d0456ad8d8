// Package pcm converts between floating-point audio samples and the
// 16-bit little-endian PCM representation the voice backends speak,
// plus the base64 framing used on the wire.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudio reports a payload that cannot be interpreted as PCM16:
// invalid base64 or an odd byte count.
var ErrMalformedAudio = errors.New("malformed audio payload")

// Encode quantizes samples to PCM16 and returns the base64 form used on
// the wire. Samples are clamped to [-1, 1]; non-finite values become 0.
func Encode(samples []float64) string {
	return base64.StdEncoding.EncodeToString(EncodeBytes(samples))
}

// EncodeBytes quantizes samples to little-endian PCM16 bytes.
func EncodeBytes(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// Quantize maps one sample to its int16 value, rounding to nearest so
// the error never exceeds half a quantization step. Negative values
// scale by 32768 and non-negative values by 32767 so both endpoints are
// exact.
func Quantize(s float64) int16 {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		s = 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(s * 32768))
	}
	return int16(math.Round(s * 32767))
}

// Decode reverses Encode. Truncated payloads fail with ErrMalformedAudio.
func Decode(text string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedAudio, err)
	}
	return DecodeBytes(raw)
}

// DecodeBytes converts little-endian PCM16 bytes back to float samples.
func DecodeBytes(raw []byte) ([]float64, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(raw))
	}
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		if v < 0 {
			samples[i] = float64(v) / 32768
		} else {
			samples[i] = float64(v) / 32767
		}
	}
	return samples, nil
}

// RMS returns the root mean square amplitude of samples, in [0, 1].
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}
