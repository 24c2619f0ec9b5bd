package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/youpy/go-wav"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
)

const readBlock = 4096

// Buffer holds normalized mono samples ready for decoding.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Slice returns the samples covering [start, end), clamped to the buffer.
func (b Buffer) Slice(start, end time.Duration) []float32 {
	lo := b.index(start)
	hi := b.index(end)
	if hi < lo {
		hi = lo
	}
	return b.Samples[lo:hi]
}

func (b Buffer) index(at time.Duration) int {
	if at <= 0 {
		return 0
	}
	i := int(int64(at) * int64(b.SampleRate) / int64(time.Second))
	if i > len(b.Samples) {
		return len(b.Samples)
	}
	return i
}

// LoadWAV reads a PCM WAV file into a normalized mono Buffer. Files whose
// rate differs from wantRate, or whose encoding cannot be normalized, fail
// with an audio_format_mismatch error. Stereo files are averaged to mono.
func LoadWAV(path string, wantRate int) (Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		return Buffer{}, apperr.E(apperr.KindAudioFormatMismatch, "read wav format", err)
	}
	if int(format.SampleRate) != wantRate {
		return Buffer{}, apperr.E(apperr.KindAudioFormatMismatch, "load audio",
			fmt.Errorf("sample rate %d Hz, want %d Hz", format.SampleRate, wantRate))
	}
	if format.AudioFormat != wavFormatPCM {
		return Buffer{}, apperr.E(apperr.KindAudioFormatMismatch, "load audio",
			fmt.Errorf("unsupported wav encoding %d", format.AudioFormat))
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return Buffer{}, apperr.E(apperr.KindAudioFormatMismatch, "load audio",
			fmt.Errorf("unsupported channel count %d", channels))
	}
	scale, offset, err := pcmScale(format.BitsPerSample)
	if err != nil {
		return Buffer{}, apperr.E(apperr.KindAudioFormatMismatch, "load audio", err)
	}

	out := Buffer{SampleRate: wantRate}
	for {
		samples, err := reader.ReadSamples(readBlock)
		for _, s := range samples {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += (float32(s.Values[ch]) - offset) / scale
			}
			out.Samples = append(out.Samples, sum/float32(channels))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Buffer{}, fmt.Errorf("read audio samples: %w", err)
		}
	}
	return out, nil
}

// pcmScale returns the divisor and zero offset for a PCM bit depth. 8-bit
// WAV is unsigned; wider depths are signed.
func pcmScale(bits uint16) (float32, float32, error) {
	switch bits {
	case 8:
		return 128, 128, nil
	case 16:
		return 32768, 0, nil
	case 24:
		return 8388608, 0, nil
	case 32:
		return 2147483648, 0, nil
	}
	return 0, 0, fmt.Errorf("unsupported bit depth %d", bits)
}
