package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

const scratchFrames = 4096

// PortAudio opens input streams through the system PortAudio library.
type PortAudio struct {
	cfg config.AudioConfig
	log *slog.Logger
}

func NewPortAudio(cfg config.AudioConfig, logger *slog.Logger) *PortAudio {
	return &PortAudio{
		cfg: cfg,
		log: logger.With(slog.String("component", "capture")),
	}
}

// Devices lists input-capable devices with their portaudio index.
func (p *PortAudio) Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var inputs []Device
	for i, device := range devices {
		if device.MaxInputChannels <= 0 {
			continue
		}
		inputs = append(inputs, Device{
			Index:             i,
			Name:              device.Name,
			MaxInputChannels:  device.MaxInputChannels,
			DefaultSampleRate: device.DefaultSampleRate,
			Default:           device.Name == defaultName,
		})
	}
	return inputs, nil
}

// Open selects the configured device, negotiates its native rate and channel
// count, and starts a stream whose callback feeds w.
func (p *PortAudio) Open(w Writer) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperr.E(apperr.KindDeviceUnavailable, "initialize portaudio", err)
	}

	device, err := p.selectDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	channels := device.MaxInputChannels
	if channels > p.cfg.MaxInputChannels {
		channels = p.cfg.MaxInputChannels
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: p.cfg.FramesPerBuffer,
	}

	rs, err := audio.NewResampler(device.DefaultSampleRate, channels, p.cfg.TargetSampleRate)
	if err != nil {
		portaudio.Terminate()
		return nil, apperr.E(apperr.KindStreamFormatUnsupported, "configure resampler", err)
	}

	stream, err := p.openStream(params, rs, w)
	if err != nil {
		portaudio.Terminate()
		return nil, apperr.E(apperr.KindStreamFormatUnsupported, "open input stream", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, apperr.E(apperr.KindDeviceUnavailable, "start input stream", err)
	}

	info := StreamInfo{
		Device:     device.Name,
		SampleRate: device.DefaultSampleRate,
		Channels:   channels,
		Format:     p.cfg.SampleFormat,
	}
	p.log.Info("capture stream started",
		slog.String("device", info.Device),
		slog.Float64("sample_rate", info.SampleRate),
		slog.Int("channels", info.Channels),
		slog.String("format", info.Format),
	)
	return &paStream{stream: stream, info: info}, nil
}

func (p *PortAudio) selectDevice() (*portaudio.DeviceInfo, error) {
	if p.cfg.DeviceIndex < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, apperr.E(apperr.KindDeviceUnavailable, "default input device", err)
		}
		if device == nil || device.MaxInputChannels <= 0 {
			return nil, apperr.E(apperr.KindDeviceUnavailable, "default input device", errors.New("no input channels"))
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperr.E(apperr.KindDeviceUnavailable, "list devices", err)
	}
	if p.cfg.DeviceIndex >= len(devices) {
		return nil, apperr.E(apperr.KindDeviceUnavailable, "select device",
			fmt.Errorf("device index %d out of range (%d devices)", p.cfg.DeviceIndex, len(devices)))
	}
	device := devices[p.cfg.DeviceIndex]
	if device.MaxInputChannels <= 0 {
		return nil, apperr.E(apperr.KindDeviceUnavailable, "select device",
			fmt.Errorf("device %q is not an input device", device.Name))
	}
	return device, nil
}

func (p *PortAudio) openStream(params portaudio.StreamParameters, rs *audio.Resampler, w Writer) (*portaudio.Stream, error) {
	switch p.cfg.SampleFormat {
	case "f32", "":
		return openTyped[float32](params, rs, w)
	case "i32":
		return openTyped[int32](params, rs, w)
	case "i16":
		return openTyped[int16](params, rs, w)
	case "i8":
		return openTyped[int8](params, rs, w)
	case "u8":
		return openTyped[uint8](params, rs, w)
	}
	return nil, fmt.Errorf("unsupported sample format %q", p.cfg.SampleFormat)
}

// openTyped registers a callback for one sample type. The callback reuses a
// scratch slice and never blocks or logs.
func openTyped[T audio.Sample](params portaudio.StreamParameters, rs *audio.Resampler, w Writer) (*portaudio.Stream, error) {
	scratch := make([]int16, 0, scratchFrames)
	return portaudio.OpenStream(params, func(in []T) {
		scratch = audio.Resample(rs, in, scratch[:0])
		w.TryWrite(scratch)
	})
}

type paStream struct {
	stream *portaudio.Stream
	info   StreamInfo
	once   sync.Once
	err    error
}

func (s *paStream) Info() StreamInfo { return s.info }

func (s *paStream) Close() error {
	s.once.Do(func() {
		stopErr := s.stream.Stop()
		closeErr := s.stream.Close()
		termErr := portaudio.Terminate()
		s.err = errors.Join(stopErr, closeErr, termErr)
	})
	return s.err
}
