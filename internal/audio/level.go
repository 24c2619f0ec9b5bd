package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// RMS returns the root-mean-square level of samples in [0, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = float64(s)
	}
	return floats.Norm(buf, 2) / math.Sqrt(float64(len(buf)))
}

// RMSInt16 is RMS for 16-bit samples, scaled to [0, 1].
func RMSInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = float64(s) / 32768.0
	}
	return floats.Norm(buf, 2) / math.Sqrt(float64(len(buf)))
}
