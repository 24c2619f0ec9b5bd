// Package recorder coordinates at most one active microphone recording. A
// recording owns a WAV sink and a capture stream; a worker goroutine holds
// both until it is told to stop or reaches its maximum duration, then closes
// the stream and finalizes the artifact.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

const (
	ReasonStopped     = "stopped"
	ReasonMaxDuration = "max_duration"
	ReasonCancelled   = "cancelled"
)

// Recording describes one capture session and, once finished, its artifact.
type Recording struct {
	ID        string             `json:"id"`
	Path      string             `json:"path"`
	StartedAt time.Time          `json:"started_at"`
	StoppedAt time.Time          `json:"stopped_at,omitempty"`
	Duration  time.Duration      `json:"duration"`
	Samples   int64              `json:"samples"`
	Dropped   int64              `json:"dropped_blocks"`
	Reason    string             `json:"reason,omitempty"`
	Stream    capture.StreamInfo `json:"stream"`
	// Level is the input RMS of the latest captured block, in [0, 1]. Only
	// running recordings report it.
	Level float64 `json:"level,omitempty"`
}

type StartOptions struct {
	// MaxDuration stops the recording automatically. Zero uses the
	// configured default; a negative value disables the limit.
	MaxDuration time.Duration
}

// FinishFunc observes every finished recording, including those stopped by
// their maximum duration. err is the finalization error, if any.
type FinishFunc func(rec Recording, err error)

type Controller struct {
	cfg        config.RecorderConfig
	sampleRate int
	opener     capture.Opener
	log        *slog.Logger
	onFinish   FinishFunc

	mu     sync.Mutex
	active *session
}

type session struct {
	rec      Recording
	sink     *audio.Sink
	stream   capture.Stream
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	stopping bool
	reason   string

	result Recording
	err    error
}

func (s *session) signal(reason string) {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.stop)
	})
}

func NewController(cfg config.RecorderConfig, sampleRate int, opener capture.Opener, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		sampleRate: sampleRate,
		opener:     opener,
		log:        logger.With(slog.String("component", "recorder")),
	}
}

// OnFinish installs a callback invoked from the worker after each recording
// has been finalized. The callback must not call Stop.
func (c *Controller) OnFinish(fn FinishFunc) {
	c.mu.Lock()
	c.onFinish = fn
	c.mu.Unlock()
}

// Start opens the capture device and begins writing a new artifact. It fails
// with active_session_conflict if a recording is already running; the
// running recording is left untouched.
func (c *Controller) Start(opts StartOptions) (Recording, error) {
	s, err := c.start(opts)
	if err != nil {
		return Recording{}, err
	}
	return s.rec, nil
}

func (c *Controller) start(opts StartOptions) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, apperr.E(apperr.KindActiveSessionConflict, "start recording",
			fmt.Errorf("recording %s in progress", c.active.rec.ID))
	}

	if err := os.MkdirAll(c.cfg.RecordingsDir, 0o755); err != nil {
		return nil, apperr.E(apperr.KindSinkIO, "create recordings dir", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	path := filepath.Join(c.cfg.RecordingsDir, artifactName(now, id))

	sink, err := audio.CreateSink(path, c.sampleRate)
	if err != nil {
		return nil, err
	}
	stream, err := c.opener.Open(sink)
	if err != nil {
		_ = sink.Finalize()
		_ = os.Remove(path)
		return nil, err
	}

	s := &session{
		rec: Recording{
			ID:        id,
			Path:      path,
			StartedAt: now,
			Stream:    stream.Info(),
		},
		sink:   sink,
		stream: stream,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.active = s
	go c.run(s, c.maxDuration(opts))

	c.log.Info("recording started",
		slog.String("recording_id", id),
		slog.String("path", path),
	)
	return s, nil
}

// Stop signals the active recording, waits for its worker to finalize the
// artifact and returns it. It fails with active_session_conflict when no
// recording is running or another Stop is already in progress.
func (c *Controller) Stop() (Recording, error) {
	c.mu.Lock()
	s := c.active
	if s == nil || s.stopping {
		c.mu.Unlock()
		return Recording{}, apperr.E(apperr.KindActiveSessionConflict, "stop recording", errors.New("no active recording"))
	}
	s.stopping = true
	c.mu.Unlock()

	s.signal(ReasonStopped)
	<-s.done

	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
	return s.result, s.err
}

// Record starts a recording limited to d and blocks until it finishes. If
// ctx ends first the recording is stopped early.
func (c *Controller) Record(ctx context.Context, d time.Duration) (Recording, error) {
	if d <= 0 {
		return Recording{}, fmt.Errorf("record: duration must be positive, got %s", d)
	}
	s, err := c.start(StartOptions{MaxDuration: d})
	if err != nil {
		return Recording{}, err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.signal(ReasonCancelled)
		<-s.done
	}
	return s.result, s.err
}

// Active reports the running recording, if any.
func (c *Controller) Active() (Recording, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Recording{}, false
	}
	rec := c.active.rec
	rec.Duration = time.Since(rec.StartedAt)
	rec.Samples = c.active.sink.Written()
	rec.Dropped = c.active.sink.Dropped()
	rec.Level = c.active.sink.Level()
	return rec, true
}

// Close stops any running recording.
func (c *Controller) Close() {
	if _, ok := c.Active(); !ok {
		return
	}
	if _, err := c.Stop(); err != nil && !errors.Is(err, apperr.ErrActiveSessionConflict) {
		c.log.Warn("failed to stop recording on shutdown", slogError(err))
	}
}

func (c *Controller) maxDuration(opts StartOptions) time.Duration {
	switch {
	case opts.MaxDuration > 0:
		return opts.MaxDuration
	case opts.MaxDuration < 0:
		return 0
	default:
		return time.Duration(c.cfg.MaxDurationS) * time.Second
	}
}

func (c *Controller) run(s *session, limit time.Duration) {
	defer close(s.done)

	interval := time.Duration(c.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var reason string
wait:
	for {
		select {
		case <-s.stop:
			reason = s.reason
			break wait
		case <-ticker.C:
			if limit > 0 && time.Since(s.rec.StartedAt) >= limit {
				reason = ReasonMaxDuration
				break wait
			}
		}
	}

	// The stream goes first so no callback can race the final header write.
	streamErr := s.stream.Close()
	sinkErr := s.sink.Finalize()

	rec := s.rec
	rec.StoppedAt = time.Now().UTC()
	rec.Duration = rec.StoppedAt.Sub(rec.StartedAt)
	rec.Samples = s.sink.Written()
	rec.Dropped = s.sink.Dropped()
	rec.Reason = reason
	s.result = rec

	if streamErr != nil {
		c.log.Warn("failed to close capture stream", slog.String("recording_id", rec.ID), slogError(streamErr))
	}
	if sinkErr != nil {
		s.err = sinkErr
		c.log.Error("failed to finalize recording", slog.String("recording_id", rec.ID), slogError(sinkErr))
	} else {
		c.log.Info("recording finalized",
			slog.String("recording_id", rec.ID),
			slog.String("reason", reason),
			slog.Int64("samples", rec.Samples),
			slog.Int64("dropped_blocks", rec.Dropped),
		)
	}

	c.mu.Lock()
	if c.active == s && !s.stopping {
		c.active = nil
	}
	hook := c.onFinish
	c.mu.Unlock()

	if hook != nil {
		hook(rec, s.err)
	}
}

// artifactName follows recording_<unix>_<first 8 of id>.wav.
func artifactName(at time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("recording_%d_%s.wav", at.Unix(), short)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
