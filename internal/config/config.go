package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Audio         AudioConfig         `yaml:"audio"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Models        ModelsConfig        `yaml:"models"`
	Formatting    FormattingConfig    `yaml:"formatting"`
	Preferences   PreferencesConfig   `yaml:"preferences"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxRecordings   int    `yaml:"max_recordings"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	DeleteArtifacts bool   `yaml:"delete_artifacts"`
}

// AudioConfig describes the capture stream. DeviceIndex -1 selects the
// system default input.
type AudioConfig struct {
	TargetSampleRate int    `yaml:"target_sample_rate"`
	DeviceIndex      int    `yaml:"device_index"`
	SampleFormat     string `yaml:"sample_format"` // f32, i32, i16, i8, u8
	FramesPerBuffer  int    `yaml:"frames_per_buffer"`
	MaxInputChannels int    `yaml:"max_input_channels"`
}

type RecorderConfig struct {
	RecordingsDir  string `yaml:"recordings_dir"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	MaxDurationS   int    `yaml:"max_duration_s"`
}

// TranscriptionConfig sizes chunked decoding. ModelInstances is how many
// copies of the speech model stay loaded: each copy decodes one chunk at a
// time and costs its full weight size in memory, and chunk fan-out never
// exceeds it.
type TranscriptionConfig struct {
	WindowS          int     `yaml:"window_s"`
	OverlapS         int     `yaml:"overlap_s"`
	Language         string  `yaml:"language"`
	MaxWorkers       int     `yaml:"max_workers"`
	ThreadsPerWorker int     `yaml:"threads_per_worker"`
	ModelInstances   int     `yaml:"model_instances"`
	SilenceRMS       float64 `yaml:"silence_rms"`
}

type ModelsConfig struct {
	BaseDir              string   `yaml:"base_dir"`
	Watch                bool     `yaml:"watch"`
	Preload              bool     `yaml:"preload"`
	SpeechCandidates     []string `yaml:"speech_candidates"`
	FormattingCandidates []string `yaml:"formatting_candidates"`
}

type FormattingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, llama, exec
	ServerCommand string  `yaml:"server_command"`
	Command       string  `yaml:"command"`
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	GPULayers     int     `yaml:"gpu_layers"`
	ContextSize   int     `yaml:"context_size"`
	StartupMS     int     `yaml:"startup_timeout_ms"`
	TimeoutMS     int     `yaml:"timeout_ms"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type PreferencesConfig struct {
	SpeechModel     string   `yaml:"speech_model"`
	FormattingModel string   `yaml:"formatting_model"`
	Vocabulary      []string `yaml:"vocabulary"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecordings: 1000,
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			DeviceIndex:      -1,
			SampleFormat:     "f32",
			FramesPerBuffer:  0,
			MaxInputChannels: 2,
		},
		Recorder: RecorderConfig{
			RecordingsDir:  "./data/recordings",
			PollIntervalMS: 100,
		},
		Transcription: TranscriptionConfig{
			WindowS:        30,
			OverlapS:       1,
			Language:       "en",
			ModelInstances: 2,
		},
		Models: ModelsConfig{
			BaseDir:              "./models",
			Watch:                true,
			Preload:              true,
			SpeechCandidates:     []string{"whisper-small-en", "whisper-small", "whisper-base-en"},
			FormattingCandidates: []string{"qwen2-1.5b-instruct", "gemma-2-2b-instruct"},
		},
		Formatting: FormattingConfig{
			Enabled:       false,
			Mode:          "mock",
			ServerCommand: "llama-server",
			Host:          "127.0.0.1",
			Port:          8765,
			GPULayers:     99,
			ContextSize:   2048,
			StartupMS:     30000,
			TimeoutMS:     30000,
			MaxTokens:     512,
			Temperature:   0.7,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecordings, "LOQA_EVENT_STORE_MAX_RECORDINGS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.DeleteArtifacts, "LOQA_EVENT_STORE_DELETE_ARTIFACTS")
	overrideInt(&cfg.Audio.TargetSampleRate, "LOQA_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.DeviceIndex, "LOQA_AUDIO_DEVICE_INDEX")
	overrideString(&cfg.Audio.SampleFormat, "LOQA_AUDIO_SAMPLE_FORMAT")
	overrideInt(&cfg.Audio.FramesPerBuffer, "LOQA_AUDIO_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Audio.MaxInputChannels, "LOQA_AUDIO_MAX_INPUT_CHANNELS")
	overrideString(&cfg.Recorder.RecordingsDir, "LOQA_RECORDER_RECORDINGS_DIR")
	overrideInt(&cfg.Recorder.PollIntervalMS, "LOQA_RECORDER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Recorder.MaxDurationS, "LOQA_RECORDER_MAX_DURATION_S")
	overrideInt(&cfg.Transcription.WindowS, "LOQA_TRANSCRIPTION_WINDOW_S")
	overrideInt(&cfg.Transcription.OverlapS, "LOQA_TRANSCRIPTION_OVERLAP_S")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideInt(&cfg.Transcription.MaxWorkers, "LOQA_TRANSCRIPTION_MAX_WORKERS")
	overrideInt(&cfg.Transcription.ThreadsPerWorker, "LOQA_TRANSCRIPTION_THREADS_PER_WORKER")
	overrideInt(&cfg.Transcription.ModelInstances, "LOQA_TRANSCRIPTION_MODEL_INSTANCES")
	overrideFloat(&cfg.Transcription.SilenceRMS, "LOQA_TRANSCRIPTION_SILENCE_RMS")
	overrideString(&cfg.Models.BaseDir, "LOQA_MODELS_BASE_DIR")
	overrideBool(&cfg.Models.Watch, "LOQA_MODELS_WATCH")
	overrideBool(&cfg.Models.Preload, "LOQA_MODELS_PRELOAD")
	overrideStringSlice(&cfg.Models.SpeechCandidates, "LOQA_MODELS_SPEECH_CANDIDATES")
	overrideStringSlice(&cfg.Models.FormattingCandidates, "LOQA_MODELS_FORMATTING_CANDIDATES")
	overrideBool(&cfg.Formatting.Enabled, "LOQA_FORMATTING_ENABLED")
	overrideString(&cfg.Formatting.Mode, "LOQA_FORMATTING_MODE")
	overrideString(&cfg.Formatting.ServerCommand, "LOQA_FORMATTING_SERVER_COMMAND")
	overrideString(&cfg.Formatting.Command, "LOQA_FORMATTING_COMMAND")
	overrideString(&cfg.Formatting.Host, "LOQA_FORMATTING_HOST")
	overrideInt(&cfg.Formatting.Port, "LOQA_FORMATTING_PORT")
	overrideInt(&cfg.Formatting.GPULayers, "LOQA_FORMATTING_GPU_LAYERS")
	overrideInt(&cfg.Formatting.ContextSize, "LOQA_FORMATTING_CONTEXT_SIZE")
	overrideInt(&cfg.Formatting.StartupMS, "LOQA_FORMATTING_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Formatting.TimeoutMS, "LOQA_FORMATTING_TIMEOUT_MS")
	overrideInt(&cfg.Formatting.MaxTokens, "LOQA_FORMATTING_MAX_TOKENS")
	overrideFloat(&cfg.Formatting.Temperature, "LOQA_FORMATTING_TEMPERATURE")
	overrideString(&cfg.Preferences.SpeechModel, "LOQA_PREFERENCES_SPEECH_MODEL")
	overrideString(&cfg.Preferences.FormattingModel, "LOQA_PREFERENCES_FORMATTING_MODEL")
	overrideStringSlice(&cfg.Preferences.Vocabulary, "LOQA_PREFERENCES_VOCABULARY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	switch cfg.Audio.SampleFormat {
	case "f32", "i32", "i16", "i8", "u8":
	default:
		return errors.New("audio.sample_format must be one of f32|i32|i16|i8|u8")
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		return errors.New("audio.frames_per_buffer must be >= 0")
	}
	if cfg.Audio.MaxInputChannels <= 0 {
		return errors.New("audio.max_input_channels must be positive")
	}
	if cfg.Recorder.RecordingsDir == "" {
		return errors.New("recorder.recordings_dir must not be empty")
	}
	if cfg.Recorder.PollIntervalMS <= 0 {
		return errors.New("recorder.poll_interval_ms must be positive")
	}
	if cfg.Recorder.MaxDurationS < 0 {
		return errors.New("recorder.max_duration_s must be >= 0")
	}
	if cfg.Transcription.WindowS <= 0 {
		return errors.New("transcription.window_s must be positive")
	}
	if cfg.Transcription.OverlapS < 0 || cfg.Transcription.OverlapS >= cfg.Transcription.WindowS {
		return errors.New("transcription.overlap_s must be >= 0 and smaller than window_s")
	}
	if cfg.Transcription.MaxWorkers < 0 {
		return errors.New("transcription.max_workers must be >= 0")
	}
	if cfg.Transcription.ThreadsPerWorker < 0 {
		return errors.New("transcription.threads_per_worker must be >= 0")
	}
	if cfg.Transcription.ModelInstances <= 0 {
		return errors.New("transcription.model_instances must be >= 1")
	}
	if cfg.Models.BaseDir == "" {
		return errors.New("models.base_dir must not be empty")
	}
	if len(cfg.Models.SpeechCandidates) == 0 {
		return errors.New("models.speech_candidates must not be empty")
	}
	if cfg.Formatting.Enabled {
		switch cfg.Formatting.Mode {
		case "mock", "llama", "exec":
		default:
			return errors.New("formatting.mode must be one of mock|llama|exec")
		}
		if cfg.Formatting.Mode == "llama" {
			if cfg.Formatting.ServerCommand == "" {
				return errors.New("formatting.server_command must be set when mode=llama")
			}
			if cfg.Formatting.Port <= 0 || cfg.Formatting.Port > 65535 {
				return errors.New("formatting.port must be between 1 and 65535")
			}
			if len(cfg.Models.FormattingCandidates) == 0 {
				return errors.New("models.formatting_candidates must not be empty when mode=llama")
			}
		}
		if cfg.Formatting.Mode == "exec" && cfg.Formatting.Command == "" {
			return errors.New("formatting.command must be set when mode=exec")
		}
		if cfg.Formatting.TimeoutMS <= 0 {
			return errors.New("formatting.timeout_ms must be positive")
		}
		if cfg.Formatting.MaxTokens < 0 {
			return errors.New("formatting.max_tokens must be >= 0")
		}
	}
	return nil
}
