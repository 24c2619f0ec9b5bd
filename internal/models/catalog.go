// Package models knows which speech and formatting models exist and which of
// them are installed under the models directory.
package models

type Kind string

const (
	KindSpeech Kind = "speech"
	KindLLM    Kind = "llm"
)

const speechWeightsFile = "ggml-model.bin"

// Entry is one catalog model. Downloading is handled elsewhere; URL is kept
// so clients can show where a model comes from.
type Entry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	SizeMB int    `json:"size_mb"`
	URL    string `json:"url,omitempty"`
}

// DefaultCatalog lists the models the service can run.
func DefaultCatalog() []Entry {
	return []Entry{
		{
			ID:     "whisper-small-en",
			Name:   "Whisper Small (English)",
			Kind:   KindSpeech,
			SizeMB: 466,
			URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en.bin",
		},
		{
			ID:     "whisper-small",
			Name:   "Whisper Small (Multilingual)",
			Kind:   KindSpeech,
			SizeMB: 466,
			URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		},
		{
			ID:     "whisper-base-en",
			Name:   "Whisper Base (English)",
			Kind:   KindSpeech,
			SizeMB: 142,
			URL:    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
		},
		{
			ID:     "qwen2-1.5b-instruct",
			Name:   "Qwen2 1.5B Instruct",
			Kind:   KindLLM,
			SizeMB: 986,
			URL:    "https://huggingface.co/Qwen/Qwen2-1.5B-Instruct-GGUF/resolve/main/qwen2-1_5b-instruct-q4_k_m.gguf",
		},
		{
			ID:     "gemma-2-2b-instruct",
			Name:   "Gemma 2 2B Instruct",
			Kind:   KindLLM,
			SizeMB: 1710,
			URL:    "https://huggingface.co/bartowski/gemma-2-2b-it-GGUF/resolve/main/gemma-2-2b-it-Q4_K_M.gguf",
		},
	}
}
