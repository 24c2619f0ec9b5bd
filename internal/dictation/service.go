// Package dictation ties recording, transcription, formatting and model
// preferences together behind one service used by the HTTP API, the bus
// control subjects and the CLI.
package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/preferences"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
	"github.com/nats-io/nats.go"
)

// Deps are the components the service coordinates. Store and Bus may be nil.
type Deps struct {
	Recorder    *recorder.Controller
	Transcriber *transcribe.Engine
	Cache       *capability.Cache
	Registry    *models.Registry
	Preferences *preferences.Store
	Store       *eventstore.Store
	Bus         *bus.Client
}

// Status is a point-in-time view of the service.
type Status struct {
	Recording    *recorder.Recording     `json:"recording,omitempty"`
	Capabilities []capability.Status     `json:"capabilities"`
	Preferences  preferences.Preferences `json:"preferences"`
}

// Event is a notification fanned out to in-process listeners such as the
// websocket relay. Payload is the same JSON published on the bus.
type Event struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

type Service struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs []*nats.Subscription

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
	started   bool
	closing   bool
}

var errServiceClosed = errors.New("dictation service is closed")

func NewService(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(slog.String("component", "dictation")),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(Event)),
	}
}

// Start wires change notifications, starts the model watcher and preloads,
// and subscribes to the bus control subjects.
func (s *Service) Start() error {
	s.deps.Recorder.OnFinish(s.recordingFinished)
	s.deps.Preferences.Subscribe(s.preferencesChanged)
	s.deps.Registry.Subscribe(s.modelsChanged)
	s.deps.Cache.OnLoad(s.modelLoaded)

	if s.deps.Bus != nil {
		if err := s.subscribeControl(); err != nil {
			return err
		}
	}

	if s.cfg.Models.Watch {
		s.goTracked(func() {
			if err := s.deps.Registry.Watch(s.ctx); err != nil {
				s.logger.Warn("model watcher stopped", slogError(err))
			}
		})
	}
	if s.cfg.Models.Preload {
		s.deps.Cache.PreloadAll()
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Close stops the active recording and releases subscriptions. The cache and
// store are owned by the caller. Work started after Close is refused.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.started = false
	s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.deps.Recorder.Close()
	s.cancel()
	s.wg.Wait()
}

// goTracked runs fn on a goroutine that Close waits for. It returns false
// without running fn once Close has begun.
func (s *Service) goTracked(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && (s.deps.Bus == nil || s.deps.Bus.Healthy())
}

// Listen registers fn for every event the service emits and returns a
// function that removes it. fn runs on the emitting goroutine and must not
// block.
func (s *Service) Listen(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// StartRecording begins a new recording.
func (s *Service) StartRecording(ctx context.Context, opts recorder.StartOptions) (recorder.Recording, error) {
	rec, err := s.deps.Recorder.Start(opts)
	if err != nil {
		s.logger.Warn("failed to start recording", slogError(err))
		return recorder.Recording{}, err
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.PutRecording(ctx, storeRecording(rec)); err != nil {
			s.logger.Warn("failed to persist recording", slog.String("recording_id", rec.ID), slogError(err))
		}
	}
	s.emit(ctx, rec.ID, protocol.SubjectRecordingStarted, recordingEvent(rec, nil))
	return rec, nil
}

// StopRecording stops the active recording and returns the finalized
// artifact. Persistence and notification happen in the finish hook so that
// recordings ending on their own are handled the same way.
func (s *Service) StopRecording(ctx context.Context) (recorder.Recording, error) {
	return s.deps.Recorder.Stop()
}

func (s *Service) Status() Status {
	st := Status{
		Capabilities: s.deps.Cache.Status(),
		Preferences:  s.deps.Preferences.Get(),
	}
	if rec, ok := s.deps.Recorder.Active(); ok {
		st.Recording = &rec
	}
	return st
}

// Transcribe decodes the artifact at path with the active speech engine. The
// engine is acquired before the audio is read, so a missing model fails
// without touching the file.
func (s *Service) Transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	res, err := s.transcribe(ctx, path)
	if err != nil {
		s.logger.Warn("transcription failed", slog.String("path", path), slogError(err))
		s.emit(ctx, "", protocol.SubjectTranscriptFailed, failure("", path, err))
		return transcribe.Result{}, err
	}

	var recordingID string
	if s.deps.Store != nil {
		recordingID, err = s.deps.Store.SetTranscript(ctx, path, res.Model, res.Text)
		if err != nil {
			s.logger.Warn("failed to persist transcript", slog.String("path", path), slogError(err))
		}
	}
	s.emit(ctx, recordingID, protocol.SubjectTranscriptFinal, transcriptEvent(recordingID, path, res))
	return res, nil
}

func (s *Service) transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	handle, err := s.deps.Cache.Get(ctx, capability.Speech)
	if err != nil {
		return transcribe.Result{}, err
	}
	defer handle.Release()

	dec, ok := handle.Engine().(transcribe.Decoder)
	if !ok {
		return transcribe.Result{}, apperr.E(apperr.KindDecodeInitFailure, "transcribe",
			fmt.Errorf("engine %s cannot decode speech", handle.Engine().ID()))
	}

	buf, err := audio.LoadWAV(path, audio.TargetSampleRate)
	if err != nil {
		return transcribe.Result{}, err
	}
	res, err := s.deps.Transcriber.Transcribe(ctx, buf, dec, s.deps.Preferences.Vocabulary())
	if err != nil {
		return transcribe.Result{}, err
	}
	res.Model = handle.Engine().ID()
	return res, nil
}

// Format rewrites text with the active formatting engine.
func (s *Service) Format(ctx context.Context, text string, style llm.Style) (string, error) {
	if !s.cfg.Formatting.Enabled {
		return "", apperr.E(apperr.KindModelUnavailable, "format text", errors.New("formatting is disabled"))
	}
	handle, err := s.deps.Cache.Get(ctx, capability.Formatting)
	if err != nil {
		return "", err
	}
	defer handle.Release()

	f, ok := handle.Engine().(interface {
		Format(ctx context.Context, text string, style llm.Style) (string, error)
	})
	if !ok {
		return "", apperr.E(apperr.KindDecodeInitFailure, "format text",
			fmt.Errorf("engine %s cannot format text", handle.Engine().ID()))
	}
	return f.Format(ctx, text, style)
}

// SetActiveModel stores the model preference for a capability. An empty id
// selects the first installed candidate. The cached engine is replaced by the
// preference subscription.
func (s *Service) SetActiveModel(ctx context.Context, name capability.Name, id string) error {
	kind := kindFor(name)
	if id != "" {
		entry, ok := s.deps.Registry.Lookup(id)
		if !ok {
			return apperr.E(apperr.KindModelUnavailable, "set active model", fmt.Errorf("unknown model %q", id))
		}
		if entry.Kind != kind {
			return apperr.E(apperr.KindModelUnavailable, "set active model",
				fmt.Errorf("model %q is a %s model, not %s", id, entry.Kind, kind))
		}
	}
	switch name {
	case capability.Speech:
		s.deps.Preferences.SetSpeechModel(id)
	case capability.Formatting:
		s.deps.Preferences.SetFormattingModel(id)
	default:
		return fmt.Errorf("unknown capability %q", name)
	}
	return nil
}

func (s *Service) AddVocabulary(word string) bool {
	return s.deps.Preferences.AddVocabulary(word)
}

func (s *Service) RemoveVocabulary(word string) bool {
	return s.deps.Preferences.RemoveVocabulary(word)
}

func (s *Service) Preferences() preferences.Preferences {
	return s.deps.Preferences.Get()
}

func (s *Service) Models() []models.Record {
	return s.deps.Registry.List()
}

func (s *Service) Capabilities() []capability.Status {
	return s.deps.Cache.Status()
}

// Recordings lists stored recordings, newest first.
func (s *Service) Recordings(ctx context.Context, limit int) ([]eventstore.Recording, error) {
	if s.deps.Store == nil {
		return nil, nil
	}
	return s.deps.Store.ListRecordings(ctx, limit)
}

// RecordingEvents returns the stored timeline for one recording.
func (s *Service) RecordingEvents(ctx context.Context, id string, limit int) ([]eventstore.Event, error) {
	if s.deps.Store == nil {
		return nil, nil
	}
	return s.deps.Store.ListRecordingEvents(ctx, id, limit)
}

func (s *Service) recordingFinished(rec recorder.Recording, err error) {
	if s.deps.Store != nil {
		if perr := s.deps.Store.PutRecording(s.ctx, storeRecording(rec)); perr != nil {
			s.logger.Warn("failed to persist recording", slog.String("recording_id", rec.ID), slogError(perr))
		}
	}
	s.emit(s.ctx, rec.ID, protocol.SubjectRecordingStopped, recordingEvent(rec, err))
}

func (s *Service) preferencesChanged(change preferences.Change) {
	switch change.Field {
	case preferences.FieldSpeechModel:
		s.deps.Cache.Invalidate(capability.Speech)
	case preferences.FieldFormattingModel:
		s.deps.Cache.Invalidate(capability.Formatting)
	}
	p := change.Preferences
	s.emit(s.ctx, "", protocol.SubjectPreferencesChanged, protocol.PreferencesEvent{
		Field:           string(change.Field),
		SpeechModel:     p.SpeechModel,
		FormattingModel: p.FormattingModel,
		Vocabulary:      p.Vocabulary,
		Timestamp:       time.Now().UTC(),
	})
}

// modelsChanged reloads a capability when an install change can alter which
// model its loader resolves. Changes to other models leave the loaded engine
// alone. Slots that are not configured ignore the call.
func (s *Service) modelsChanged(change models.Change) {
	prefs := s.deps.Preferences.Get()
	var (
		name       capability.Name
		preferred  string
		candidates []string
	)
	switch change.Kind {
	case models.KindSpeech:
		name, preferred, candidates = capability.Speech, prefs.SpeechModel, s.cfg.Models.SpeechCandidates
	case models.KindLLM:
		name, preferred, candidates = capability.Formatting, prefs.FormattingModel, s.cfg.Models.FormattingCandidates
	default:
		return
	}
	current := s.readyModel(name)
	if !affectsResolution(change.ID, preferred, candidates, current) {
		s.logger.Debug("model change leaves engine in place",
			slog.String("capability", string(name)),
			slog.String("model", change.ID),
			slog.String("active", current),
		)
		return
	}
	s.deps.Cache.Invalidate(name)
}

// readyModel is the model id a capability currently serves, or empty when
// nothing is loaded.
func (s *Service) readyModel(name capability.Name) string {
	for _, st := range s.deps.Cache.Status() {
		if st.Capability == name && st.State == capability.StateReady {
			return st.Model
		}
	}
	return ""
}

// affectsResolution reports whether an install change to id can change the
// result of resolving preferred against candidates, given the model current
// that resolved last. A set preference depends only on that model. Otherwise
// only a candidate ranked at or above current can displace or remove it.
func affectsResolution(id, preferred string, candidates []string, current string) bool {
	if preferred != "" {
		return id == preferred
	}
	rank := slices.Index(candidates, id)
	if rank < 0 {
		return false
	}
	if current == "" {
		return true
	}
	currentRank := slices.Index(candidates, current)
	return currentRank < 0 || rank <= currentRank
}

func (s *Service) modelLoaded(res capability.LoadResult) {
	evt := protocol.ModelEvent{
		Capability: string(res.Capability),
		Model:      res.Model,
		Generation: res.Generation,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	subject := protocol.SubjectModelLoaded
	if res.Err != nil {
		subject = protocol.SubjectModelFailed
		evt.Error = res.Err.Error()
	}
	s.emit(s.ctx, "", subject, evt)
}

// emit publishes v on the bus, hands it to listeners and, when recordingID is
// set, appends it to that recording's stored timeline.
func (s *Service) emit(ctx context.Context, recordingID, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode event", slog.String("subject", subject), slogError(err))
		return
	}
	if s.deps.Bus != nil {
		if err := s.deps.Bus.Conn().Publish(subject, data); err != nil {
			s.deps.Bus.Logger().Warn("failed to publish event", slog.String("subject", subject), slogError(err))
		}
	}
	if recordingID != "" && s.deps.Store != nil {
		if err := s.deps.Store.AppendEvent(ctx, eventstore.Event{RecordingID: recordingID, Type: subject, Payload: data}); err != nil {
			s.logger.Warn("failed to store event", slog.String("subject", subject), slogError(err))
		}
	}

	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	evt := Event{Subject: subject, Payload: data}
	for _, fn := range listeners {
		fn(evt)
	}
}

func kindFor(name capability.Name) models.Kind {
	if name == capability.Formatting {
		return models.KindLLM
	}
	return models.KindSpeech
}

func storeRecording(rec recorder.Recording) eventstore.Recording {
	return eventstore.Recording{
		ID:        rec.ID,
		Path:      rec.Path,
		StartedAt: rec.StartedAt,
		StoppedAt: rec.StoppedAt,
		Duration:  rec.Duration,
		Samples:   rec.Samples,
		Dropped:   rec.Dropped,
		Reason:    rec.Reason,
	}
}

func recordingEvent(rec recorder.Recording, err error) protocol.RecordingEvent {
	evt := protocol.RecordingEvent{
		RecordingID: rec.ID,
		Path:        rec.Path,
		StartedAt:   rec.StartedAt,
		StoppedAt:   rec.StoppedAt,
		DurationMS:  rec.Duration.Milliseconds(),
		Samples:     rec.Samples,
		Dropped:     rec.Dropped,
		Reason:      rec.Reason,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

func transcriptEvent(recordingID, path string, res transcribe.Result) protocol.Transcript {
	evt := protocol.Transcript{
		RecordingID: recordingID,
		Path:        path,
		Text:        res.Text,
		Model:       res.Model,
		Chunks:      res.Chunks,
		AudioMS:     res.Audio.Milliseconds(),
		ElapsedMS:   res.Elapsed.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	}
	for _, seg := range res.Segments {
		evt.Segments = append(evt.Segments, protocol.Segment{
			StartMS: seg.Start.Milliseconds(),
			EndMS:   seg.End.Milliseconds(),
			Text:    seg.Text,
		})
	}
	return evt
}

func failure(recordingID, path string, err error) protocol.Failure {
	kind := apperr.KindOf(err)
	return protocol.Failure{
		RecordingID: recordingID,
		Path:        path,
		Kind:        kind.String(),
		Class:       string(kind.Class()),
		Error:       err.Error(),
		Timestamp:   time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
