package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Style selects how a transcript is rewritten.
type Style string

const (
	StyleEmail Style = "email"
	StyleNotes Style = "notes"
)

func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleEmail, StyleNotes:
		return Style(s), nil
	default:
		return "", fmt.Errorf("unknown formatting style %q", s)
	}
}

// Request is a single completion prompt.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Completion is the generated text plus what the backend reported about it.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator is a pluggable completion backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.FormattingConfig) Request {
	return Request{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Stop:        append([]string(nil), stopTokens...),
	}
}
