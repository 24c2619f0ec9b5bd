package audio

import (
	"math"
	"testing"
)

func TestResampleOutputCount(t *testing.T) {
	rates := []float64{8000, 11025, 16000, 22050, 44100, 48000, 96000}
	for _, rate := range rates {
		for _, channels := range []int{1, 2, 6} {
			r, err := NewResampler(rate, channels, TargetSampleRate)
			if err != nil {
				t.Fatalf("new resampler: %v", err)
			}
			frames := int(rate) * 2
			in := make([]float32, frames*channels)
			for i := range in {
				in[i] = float32(math.Sin(float64(i) / 10))
			}
			var out []int16
			const block = 480
			for off := 0; off < len(in); off += block * channels {
				end := off + block*channels
				if end > len(in) {
					end = len(in)
				}
				out = Resample(r, in[off:end], out)
			}
			want := 2 * TargetSampleRate
			if diff := len(out) - want; diff < -1 || diff > 1 {
				t.Fatalf("rate %v channels %d: expected ~%d samples, got %d", rate, channels, want, len(out))
			}
		}
	}
}

func TestResampleIdentityKeepsSamples(t *testing.T) {
	r, err := NewResampler(TargetSampleRate, 1, TargetSampleRate)
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	out := Resample(r, []int16{100, -200, 300}, nil)
	if len(out) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(out))
	}
	// 100/32768*32767 truncates toward zero.
	if out[0] != 99 || out[1] != -199 || out[2] != 299 {
		t.Fatalf("unexpected samples %v", out)
	}
}

func TestResampleAveragesChannels(t *testing.T) {
	r, err := NewResampler(TargetSampleRate, 2, TargetSampleRate)
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	out := Resample(r, []float32{0.5, -0.5, 1, 0}, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
	if out[0] != 0 {
		t.Fatalf("expected silent first frame, got %d", out[0])
	}
	if out[1] != ToInt16(0.5) {
		t.Fatalf("expected half-scale second frame, got %d", out[1])
	}
}

func TestResampleIgnoresPartialFrame(t *testing.T) {
	r, err := NewResampler(TargetSampleRate, 2, TargetSampleRate)
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	out := Resample(r, []int16{1, 2, 3}, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(out))
	}
}

func TestToInt16Clamps(t *testing.T) {
	if got := ToInt16(1.5); got != 32767 {
		t.Fatalf("expected 32767, got %d", got)
	}
	if got := ToInt16(-3); got != -32767 {
		t.Fatalf("expected -32767, got %d", got)
	}
}

func TestNormalizeFormats(t *testing.T) {
	if got := Normalize(uint8(128)); got != 0 {
		t.Fatalf("uint8 midpoint should be silent, got %v", got)
	}
	if got := Normalize(int8(-128)); got != -1 {
		t.Fatalf("int8 min should be -1, got %v", got)
	}
	if got := Normalize(int32(math.MinInt32)); got != -1 {
		t.Fatalf("int32 min should be -1, got %v", got)
	}
	if got := Normalize(int16(16384)); got != 0.5 {
		t.Fatalf("int16 half scale should be 0.5, got %v", got)
	}
}

func TestNewResamplerRejectsInvalidLayout(t *testing.T) {
	if _, err := NewResampler(0, 1, TargetSampleRate); err == nil {
		t.Fatalf("expected error for zero input rate")
	}
	if _, err := NewResampler(48000, 0, TargetSampleRate); err == nil {
		t.Fatalf("expected error for zero channels")
	}
}
