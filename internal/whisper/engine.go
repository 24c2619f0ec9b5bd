// Package whisper decodes speech with whisper.cpp through its Go bindings.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	wcpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
)

var (
	_ transcribe.Decoder    = (*Engine)(nil)
	_ transcribe.Concurrent = (*Engine)(nil)
)

// Engine holds one or more loaded copies of a model. The bindings run every
// decode against the model's single native context, so each copy serves one
// decode at a time; the pool channel hands copies out to concurrent callers.
type Engine struct {
	id   string
	path string
	log  *slog.Logger
	pool chan wcpp.Model
	all  []wcpp.Model
}

// Load reads the weights at path instances times. A missing or unreadable
// file, or weights the runtime rejects, fail with decode_init_failure.
func Load(id, path string, instances int, logger *slog.Logger) (*Engine, error) {
	if instances <= 0 {
		instances = 1
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.E(apperr.KindDecodeInitFailure, "load speech model", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, apperr.E(apperr.KindDecodeInitFailure, "load speech model",
			fmt.Errorf("%s is not a model file", path))
	}

	e := &Engine{
		id:   id,
		path: path,
		log:  logger.With(slog.String("component", "whisper"), slog.String("model", id)),
		pool: make(chan wcpp.Model, instances),
	}
	for i := 0; i < instances; i++ {
		model, err := wcpp.New(path)
		if err != nil {
			e.Close()
			return nil, apperr.E(apperr.KindDecodeInitFailure, "load speech model",
				fmt.Errorf("load %s: %w", path, err))
		}
		e.all = append(e.all, model)
		e.pool <- model
	}
	e.log.Info("speech model loaded",
		slog.String("path", path),
		slog.Int("instances", instances),
		slog.Bool("multilingual", e.all[0].IsMultilingual()),
	)
	return e, nil
}

func (e *Engine) ID() string { return e.id }

// Concurrency is the number of loaded copies, the most decodes that can run
// at once.
func (e *Engine) Concurrency() int { return len(e.all) }

// Decode runs one greedy, non-translating pass over samples.
func (e *Engine) Decode(ctx context.Context, samples []float32, opts transcribe.DecodeOptions) ([]transcribe.Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	var model wcpp.Model
	select {
	case model = <-e.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.pool <- model }()

	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}
	if opts.Language != "" && model.IsMultilingual() {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return nil, fmt.Errorf("set language %q: %w", opts.Language, err)
		}
	}
	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}
	wctx.SetTranslate(false)
	wctx.SetTemperature(0)
	wctx.SetTemperatureFallback(0)
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("process audio: %w", err)
	}

	var segments []transcribe.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if IsNonSpeech(text) {
			continue
		}
		segments = append(segments, transcribe.Segment{Start: seg.Start, End: seg.End, Text: text})
	}
	return segments, nil
}

// Close releases every loaded copy. Callers must not decode afterwards.
func (e *Engine) Close() error {
	var errs []error
	for _, model := range e.all {
		if err := model.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.all = nil
	return errors.Join(errs...)
}

// IsNonSpeech reports whether text is empty or one of the bracketed markers
// whisper emits for silence and noise, such as [BLANK_AUDIO] or (music).
func IsNonSpeech(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return true
	}
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return true
	}
	return false
}
