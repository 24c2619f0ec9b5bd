package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Formatter rewrites transcripts with one loaded formatting model. It is the
// engine cached for the formatting capability.
type Formatter struct {
	id        string
	generator Generator
	defaults  Request
	timeout   time.Duration
	logger    *slog.Logger
}

func NewFormatter(id string, generator Generator, cfg config.FormattingConfig, logger *slog.Logger) *Formatter {
	return &Formatter{
		id:        id,
		generator: generator,
		defaults:  OptionsFromConfig(cfg),
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:    logger.With(slog.String("component", "formatter"), slog.String("model", id)),
	}
}

// Open builds the formatter for the configured mode. In llama mode this
// starts the server process with modelPath loaded.
func Open(ctx context.Context, cfg config.FormattingConfig, id, modelPath string, logger *slog.Logger) (*Formatter, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Mode {
	case "llama":
		gen, err = StartLlamaServer(ctx, cfg, modelPath, logger)
	case "exec":
		gen, err = NewExecGenerator(cfg.Command, modelPath)
	case "mock", "":
		gen = NewMockGenerator()
	default:
		err = fmt.Errorf("unknown formatting mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, apperr.E(apperr.KindDecodeInitFailure, "load formatting model", err)
	}
	return NewFormatter(id, gen, cfg, logger), nil
}

func (f *Formatter) ID() string { return f.id }

// Format rewrites text in style. The call is bounded by the configured
// timeout; an empty reply counts as a failure.
func (f *Formatter) Format(ctx context.Context, text string, style Style) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("nothing to format")
	}
	prompt, err := BuildPrompt(style, text)
	if err != nil {
		return "", err
	}
	req := f.defaults
	req.Prompt = prompt

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	completion, err := f.generator.Generate(ctx, req)
	if err != nil {
		return "", apperr.E(apperr.KindDecodeFailure, "format text", err)
	}
	content := strings.TrimSpace(completion.Content)
	if content == "" {
		return "", apperr.E(apperr.KindDecodeFailure, "format text", errors.New("model returned no content"))
	}
	f.logger.Info("formatting complete",
		slog.String("style", string(style)),
		slog.Int("chars", len(content)),
		slog.Duration("latency", time.Since(start)),
	)
	return content, nil
}

func (f *Formatter) Close() error {
	if c, ok := f.generator.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
