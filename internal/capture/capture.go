// Package capture owns the live input device stream. Every block the device
// delivers is mixed to mono, resampled to the target rate and handed to a
// Writer without blocking.
package capture

// Writer receives resampled 16-bit mono blocks from the real-time callback.
// TryWrite must not block; a false return means the block was dropped.
type Writer interface {
	TryWrite(samples []int16) bool
}

// Stream is a running capture session. Close stops the device and releases
// it; it is safe to call more than once.
type Stream interface {
	Info() StreamInfo
	Close() error
}

// Opener starts capture streams. Implementations report device problems as
// device_unavailable and rejected stream layouts as stream_format_unsupported.
type Opener interface {
	Open(w Writer) (Stream, error)
}

// StreamInfo describes the negotiated device stream.
type StreamInfo struct {
	Device     string  `json:"device"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Format     string  `json:"format"`
}

// Device is one input-capable device.
type Device struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}
