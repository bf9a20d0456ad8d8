package pcm

import (
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	in := []float64{0, 0.5, -0.5, 1, -1, 0.123456, -0.987654}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if diff := math.Abs(out[i] - in[i]); diff > 1.0/32768 {
			t.Fatalf("sample %d: got %f want %f (diff %f)", i, out[i], in[i], diff)
		}
	}
}

func TestRoundTripNearQuantizationBoundaries(t *testing.T) {
	// Values just below each positive quantization step would truncate
	// a whole step instead of half a step if Quantize didn't round.
	var in []float64
	for k := 0; k < 32767; k += 7 {
		x := (float64(k) + 0.99999) / 32767
		in = append(in, x, -x)
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if diff := math.Abs(out[i] - in[i]); diff > 1.0/32768 {
			t.Fatalf("sample %d: got %.12f want %.12f (error %g exceeds %g)",
				i, out[i], in[i], diff, 1.0/32768)
		}
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	if got, want := Encode([]float64{1.5}), Encode([]float64{1.0}); got != want {
		t.Fatalf("expected 1.5 to clamp to 1.0: got %q want %q", got, want)
	}
	if got, want := Encode([]float64{-2.0}), Encode([]float64{-1.0}); got != want {
		t.Fatalf("expected -2.0 to clamp to -1.0: got %q want %q", got, want)
	}
}

func TestEncodeNonFiniteBecomesZero(t *testing.T) {
	zero := Encode([]float64{0})
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := Encode([]float64{v}); got != zero {
			t.Fatalf("expected non-finite %v to encode as silence", v)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode("not base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	// "QQ==" decodes to a single byte, which cannot be PCM16.
	if _, err := Decode("QQ=="); err == nil {
		t.Fatal("expected error for odd byte count")
	}
	if _, err := DecodeBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated bytes")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("empty input should be silent, got %f", got)
	}
	if got := RMS([]float64{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected rms 0.5, got %f", got)
	}
	if got := RMS([]float64{1, -1}); got != 1 {
		t.Fatalf("expected full-scale rms 1, got %f", got)
	}
}
