package audio

import "fmt"

// Resampler converts interleaved frames at an arbitrary device rate into mono
// samples at TargetSampleRate. It keeps a fractional phase: each input frame
// advances the phase by target/input and every whole unit of phase emits the
// current frame once. Downsampling therefore drops frames and upsampling
// repeats them. There is no low-pass filtering, so content above the target
// Nyquist aliases; speech recognition tolerates this.
//
// A Resampler is owned by a single capture callback and is not safe for
// concurrent use.
type Resampler struct {
	channels int
	step     float64
	phase    float64
}

// NewResampler builds a resampler for a stream with the given layout.
func NewResampler(inputRate float64, channels, targetRate int) (*Resampler, error) {
	if inputRate <= 0 {
		return nil, fmt.Errorf("input sample rate must be positive, got %v", inputRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", targetRate)
	}
	ratio := inputRate / float64(targetRate)
	return &Resampler{
		channels: channels,
		step:     1 / ratio,
	}, nil
}

// Resample mixes every complete frame of in down to mono, runs the phase
// accumulator and appends the emitted 16-bit samples to out. A trailing
// partial frame is ignored. Blocks may have any length; the phase carries
// across calls.
func Resample[T Sample](r *Resampler, in []T, out []int16) []int16 {
	ch := r.channels
	frames := len(in) / ch
	for i := 0; i < frames; i++ {
		mono := Mix(in[i*ch : (i+1)*ch])
		r.phase += r.step
		for r.phase >= 1.0 {
			r.phase -= 1.0
			out = append(out, ToInt16(mono))
		}
	}
	return out
}
