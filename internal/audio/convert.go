// Package audio converts captured PCM into the 16 kHz mono format the speech
// engine expects. It holds the real-time resampler, the WAV sink written from
// the device callback, and the loader that turns a finalized artifact back into
// normalized float samples.
package audio

// TargetSampleRate is the only rate the speech engine accepts.
const TargetSampleRate = 16000

// Sample lists the interleaved sample types a capture stream may deliver.
type Sample interface {
	float32 | int32 | int16 | int8 | uint8
}

// Normalize maps one sample to [-1, 1] using the scale of its format.
func Normalize[T Sample](s T) float32 {
	switch v := any(s).(type) {
	case float32:
		return v
	case int32:
		return float32(float64(v) / 2147483648.0)
	case int16:
		return float32(v) / 32768.0
	case int8:
		return float32(v) / 128.0
	case uint8:
		return (float32(v) - 128) / 128.0
	}
	return 0
}

// Mix averages one interleaved frame down to a single mono sample.
func Mix[T Sample](frame []T) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float32
	for _, s := range frame {
		sum += Normalize(s)
	}
	return sum / float32(len(frame))
}

// ToInt16 clamps v to [-1, 1] and scales it to the 16-bit range.
func ToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
