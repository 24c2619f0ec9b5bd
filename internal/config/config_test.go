package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Fatalf("expected 16 kHz target, got %d", cfg.Audio.TargetSampleRate)
	}
	if cfg.Transcription.WindowS != 30 || cfg.Transcription.OverlapS != 1 {
		t.Fatalf("expected 30s windows with 1s overlap, got %d/%d", cfg.Transcription.WindowS, cfg.Transcription.OverlapS)
	}
	if cfg.Recorder.PollIntervalMS != 100 {
		t.Fatalf("expected 100ms poll interval, got %d", cfg.Recorder.PollIntervalMS)
	}
	if cfg.Models.SpeechCandidates[0] != "whisper-small-en" {
		t.Fatalf("unexpected speech candidate order %v", cfg.Models.SpeechCandidates)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "session")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_RECORDINGS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_AUDIO_DEVICE_INDEX", "3")
	t.Setenv("LOQA_AUDIO_SAMPLE_FORMAT", "i16")
	t.Setenv("LOQA_RECORDER_MAX_DURATION_S", "90")
	t.Setenv("LOQA_TRANSCRIPTION_MAX_WORKERS", "2")
	t.Setenv("LOQA_TRANSCRIPTION_SILENCE_RMS", "0.01")
	t.Setenv("LOQA_MODELS_SPEECH_CANDIDATES", "whisper-base-en")
	t.Setenv("LOQA_FORMATTING_TEMPERATURE", "0.2")
	t.Setenv("LOQA_PREFERENCES_VOCABULARY", "Kubernetes, gRPC")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "session" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxRecordings != 123 {
		t.Fatalf("expected event store max recordings override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Audio.DeviceIndex != 3 || cfg.Audio.SampleFormat != "i16" {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.Recorder.MaxDurationS != 90 {
		t.Fatalf("expected max duration override")
	}
	if cfg.Transcription.MaxWorkers != 2 || cfg.Transcription.SilenceRMS != 0.01 {
		t.Fatalf("expected transcription overrides, got %+v", cfg.Transcription)
	}
	if len(cfg.Models.SpeechCandidates) != 1 || cfg.Models.SpeechCandidates[0] != "whisper-base-en" {
		t.Fatalf("expected speech candidate override, got %v", cfg.Models.SpeechCandidates)
	}
	if cfg.Formatting.Temperature != 0.2 {
		t.Fatalf("expected temperature override")
	}
	if len(cfg.Preferences.Vocabulary) != 2 || cfg.Preferences.Vocabulary[1] != "gRPC" {
		t.Fatalf("expected vocabulary override, got %v", cfg.Preferences.Vocabulary)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
runtime_name: desk-mic
transcription:
  window_s: 20
  overlap_s: 2
formatting:
  enabled: true
  mode: llama
preferences:
  speech_model: whisper-base-en
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "desk-mic" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Transcription.WindowS != 20 || cfg.Transcription.OverlapS != 2 {
		t.Fatalf("expected window overrides from file")
	}
	if cfg.Formatting.Port != 8765 {
		t.Fatalf("expected default formatting port to survive partial file, got %d", cfg.Formatting.Port)
	}
	if cfg.Preferences.SpeechModel != "whisper-base-en" {
		t.Fatalf("expected speech preference from file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LOQA_AUDIO_SAMPLE_FORMAT":        "f64",
		"LOQA_TRANSCRIPTION_OVERLAP_S":    "30",
		"LOQA_RECORDER_POLL_INTERVAL_MS":  "0",
		"LOQA_EVENT_STORE_RETENTION_MODE": "forever",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestValidateFormattingExecNeedsCommand(t *testing.T) {
	t.Setenv("LOQA_FORMATTING_ENABLED", "true")
	t.Setenv("LOQA_FORMATTING_MODE", "exec")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "formatting.command") {
		t.Fatalf("expected formatting.command error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
