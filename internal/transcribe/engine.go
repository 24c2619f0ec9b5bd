// Package transcribe turns a 16 kHz mono buffer into one transcript. Short
// audio is decoded in a single pass; long audio is split into overlapping
// windows that are decoded concurrently and joined back in order.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

const instrumentation = "github.com/loqalabs/loqa-dictation/transcribe"

// Segment is a timed piece of recognized text. Times are relative to the
// start of the whole buffer.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// DecodeOptions are passed to every decode call.
type DecodeOptions struct {
	Language string
	// Prompt biases the decoder towards custom vocabulary.
	Prompt  string
	Threads int
}

// Decoder runs one greedy decode over a mono 16 kHz slice. Implementations
// are shared across goroutines and must be safe for concurrent use.
type Decoder interface {
	Decode(ctx context.Context, samples []float32, opts DecodeOptions) ([]Segment, error)
}

// Concurrent is implemented by decoders that can run only a fixed number of
// decodes at once. Chunk fan-out and per-decode threads are sized to it.
type Concurrent interface {
	Concurrency() int
}

type Result struct {
	Text     string        `json:"text"`
	Segments []Segment     `json:"segments"`
	Chunks   int           `json:"chunks"`
	Audio    time.Duration `json:"audio_duration"`
	Elapsed  time.Duration `json:"elapsed"`
	Model    string        `json:"model,omitempty"`
}

type Engine struct {
	cfg     config.TranscriptionConfig
	log     *slog.Logger
	tracer  trace.Tracer
	workers int

	chunkCounter metric.Int64Counter
	decodeHist   metric.Float64Histogram
}

func NewEngine(cfg config.TranscriptionConfig, logger *slog.Logger) *Engine {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Engine{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "transcribe")),
		tracer:  otel.Tracer(instrumentation),
		workers: workers,
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter(instrumentation)
	counter, err := meter.Int64Counter("loqa.transcribe.chunks", metric.WithDescription("Decoded chunks"))
	if err != nil {
		return err
	}
	hist, err := meter.Float64Histogram("loqa.transcribe.chunk_seconds",
		metric.WithDescription("Wall time spent decoding one chunk"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	e.chunkCounter = counter
	e.decodeHist = hist
	return nil
}

// Transcribe decodes buf with dec. vocabulary, when not empty, is joined into
// the decoder prompt. Any chunk failure fails the whole call with
// decode_failure; boundary words repeated across overlapping chunks are kept.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer, dec Decoder, vocabulary []string) (Result, error) {
	if buf.SampleRate != audio.TargetSampleRate {
		return Result{}, apperr.E(apperr.KindAudioFormatMismatch, "transcribe",
			fmt.Errorf("sample rate %d Hz, want %d Hz", buf.SampleRate, audio.TargetSampleRate))
	}

	started := time.Now()
	total := buf.Duration()
	chunks := Plan(total, time.Duration(e.cfg.WindowS)*time.Second, time.Duration(e.cfg.OverlapS)*time.Second)

	ctx, span := e.tracer.Start(ctx, "transcribe",
		trace.WithAttributes(
			attribute.Float64("audio.seconds", total.Seconds()),
			attribute.Int("chunks", len(chunks)),
		))
	defer span.End()

	parallel := e.parallelism(len(chunks), dec)
	span.SetAttributes(attribute.Int("parallel", parallel))
	opts := DecodeOptions{
		Language: e.cfg.Language,
		Prompt:   VocabularyPrompt(vocabulary),
		Threads:  e.threadsPerWorker(parallel),
	}

	results, err := e.decodeAll(ctx, buf, chunks, dec, opts, parallel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	res := stitch(results)
	res.Chunks = len(chunks)
	res.Audio = total
	res.Elapsed = time.Since(started)

	e.log.Info("transcription complete",
		slog.Int("chunks", res.Chunks),
		slog.Float64("audio_seconds", total.Seconds()),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

type chunkResult struct {
	chunk    Chunk
	segments []Segment
}

// decodeAll runs at most parallel decodes at a time and stores each result at
// its chunk index.
func (e *Engine) decodeAll(ctx context.Context, buf audio.Buffer, chunks []Chunk, dec Decoder, opts DecodeOptions, parallel int) ([]chunkResult, error) {
	results := make([]chunkResult, len(chunks))
	errs := make([]error, len(chunks))

	sema := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		sema <- struct{}{}
		wg.Add(1)
		go func(i int, chunk Chunk) {
			defer wg.Done()
			defer func() { <-sema }()
			segments, err := e.decodeChunk(ctx, buf, chunk, dec, opts)
			if err != nil {
				errs[i] = apperr.E(apperr.KindDecodeFailure, fmt.Sprintf("decode chunk %d", chunk.Index), err)
				return
			}
			results[i] = chunkResult{chunk: chunk, segments: segments}
		}(i, chunk)
	}
	wg.Wait()

	var first error
	for _, chunkErr := range errs {
		if chunkErr == nil {
			continue
		}
		e.log.Warn("chunk decode failed", slogError(chunkErr))
		if first == nil {
			first = chunkErr
		}
	}
	if first != nil {
		return nil, first
	}
	return results, nil
}

func (e *Engine) decodeChunk(ctx context.Context, buf audio.Buffer, chunk Chunk, dec Decoder, opts DecodeOptions) ([]Segment, error) {
	ctx, span := e.tracer.Start(ctx, "transcribe.chunk",
		trace.WithAttributes(
			attribute.Int("chunk.index", chunk.Index),
			attribute.Float64("chunk.start_seconds", chunk.Start.Seconds()),
			attribute.Float64("chunk.end_seconds", chunk.End.Seconds()),
		))
	defer span.End()

	samples := buf.Slice(chunk.Start, chunk.End)
	if e.cfg.SilenceRMS > 0 {
		if level := audio.RMS(samples); level < e.cfg.SilenceRMS {
			span.SetAttributes(attribute.Bool("chunk.silent", true))
			e.log.Debug("skipping silent chunk", slog.Int("chunk", chunk.Index), slog.Float64("rms", level))
			return nil, nil
		}
	}

	started := time.Now()
	segments, err := dec.Decode(ctx, samples, opts)
	if e.decodeHist != nil {
		e.decodeHist.Record(ctx, time.Since(started).Seconds())
	}
	if e.chunkCounter != nil {
		e.chunkCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for i := range segments {
		segments[i].Start += chunk.Start
		segments[i].End += chunk.Start
	}
	return segments, nil
}

// parallelism is how many chunks actually decode at once: the worker limit,
// capped by the chunk count and by the decoder's own capacity.
func (e *Engine) parallelism(chunks int, dec Decoder) int {
	active := e.workers
	if chunks > 0 && chunks < active {
		active = chunks
	}
	if c, ok := dec.(Concurrent); ok {
		if n := c.Concurrency(); n > 0 && n < active {
			active = n
		}
	}
	if active < 1 {
		active = 1
	}
	return active
}

func (e *Engine) threadsPerWorker(parallel int) int {
	if e.cfg.ThreadsPerWorker > 0 {
		return e.cfg.ThreadsPerWorker
	}
	if parallel < 1 {
		parallel = 1
	}
	threads := runtime.NumCPU() / parallel
	if threads < 1 {
		threads = 1
	}
	return threads
}

// stitch joins chunk texts in index order with single spaces. Chunks that
// produced no text are skipped.
func stitch(results []chunkResult) Result {
	var parts []string
	var segments []Segment
	for _, r := range results {
		var texts []string
		for _, seg := range r.segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			seg.Text = text
			segments = append(segments, seg)
			texts = append(texts, text)
		}
		if chunkText := strings.Join(texts, " "); chunkText != "" {
			parts = append(parts, chunkText)
		}
	}
	return Result{Text: strings.Join(parts, " "), Segments: segments}
}

// VocabularyPrompt renders custom vocabulary as a decoder prompt.
func VocabularyPrompt(words []string) string {
	var cleaned []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, w)
		}
	}
	return strings.Join(cleaned, ", ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
