package audio

import (
	"bytes"
	"testing"
)

func samples(n int, v int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestResampleMono16_SameRateIsNoop(t *testing.T) {
	in := samples(10, 1234)
	out, err := ResampleMono16(in, 16000, 16000)
	if err != nil {
		t.Fatalf("ResampleMono16: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResampleMono16_LengthLaw(t *testing.T) {
	in := samples(1600, 100) // 100ms @ 16kHz
	out, err := ResampleMono16(in, 16000, 48000)
	if err != nil {
		t.Fatalf("ResampleMono16: %v", err)
	}
	want := 1600 * 48000 / 16000
	if len(out) != want*2 {
		t.Fatalf("output length = %d bytes, want %d", len(out), want*2)
	}

	back, err := ResampleMono16(out, 48000, 16000)
	if err != nil {
		t.Fatalf("reverse ResampleMono16: %v", err)
	}
	gotSamples := len(back) / 2
	diff := gotSamples - 1600
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Errorf("round-trip sample count = %d, want within 1 of 1600", gotSamples)
	}
}

func TestResampleMono16_ConstantSignalUnchanged(t *testing.T) {
	in := samples(100, 5000)
	out, err := ResampleMono16(in, 16000, 48000)
	if err != nil {
		t.Fatalf("ResampleMono16: %v", err)
	}
	for i := 0; i+1 < len(out); i += 2 {
		v := int16(out[i]) | int16(out[i+1])<<8
		if v != 5000 {
			t.Fatalf("sample %d = %d, want 5000 (linear interpolation of a constant)", i/2, v)
		}
	}
}

func TestResampleMono16_RejectsOddByteCount(t *testing.T) {
	if _, err := ResampleMono16([]byte{1, 2, 3}, 16000, 48000); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestResampleMono16_RejectsEmpty(t *testing.T) {
	if _, err := ResampleMono16(nil, 16000, 48000); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestResampleMono16_RejectsUnsupportedRate(t *testing.T) {
	if _, err := ResampleMono16(samples(10, 1), 11025, 16000); err == nil {
		t.Error("expected error for unsupported rate")
	}
}

func TestSupportsRate(t *testing.T) {
	for _, rate := range []int{8000, 16000, 24000, 32000, 48000} {
		if !SupportsRate(rate) {
			t.Errorf("SupportsRate(%d) = false, want true", rate)
		}
	}
	if SupportsRate(11025) {
		t.Error("SupportsRate(11025) = true, want false")
	}
}
