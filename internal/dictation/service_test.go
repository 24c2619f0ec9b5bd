package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/preferences"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
	"github.com/nats-io/nats.go"
)

type fakeSpeech struct {
	id     string
	closed atomic.Bool

	mu      sync.Mutex
	prompts []string
}

func (f *fakeSpeech) ID() string { return f.id }

func (f *fakeSpeech) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSpeech) Decode(ctx context.Context, samples []float32, opts transcribe.DecodeOptions) ([]transcribe.Segment, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, opts.Prompt)
	f.mu.Unlock()
	d := time.Duration(len(samples)) * time.Second / audio.TargetSampleRate
	return []transcribe.Segment{{Start: 0, End: d, Text: "hello from " + f.id}}, nil
}

type fakeOpener struct{}

func (fakeOpener) Open(w capture.Writer) (capture.Stream, error) {
	s := &fakeStream{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		block := make([]int16, 160)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				w.TryWrite(block)
			}
		}
	}()
	return s, nil
}

type fakeStream struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *fakeStream) Info() capture.StreamInfo {
	return capture.StreamInfo{Device: "fake", SampleRate: 16000, Channels: 1, Format: "i16"}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

type harness struct {
	cfg      config.Config
	svc      *Service
	registry *models.Registry
	prefs    *preferences.Store
	store    *eventstore.Store
	cache    *capability.Cache

	mu      sync.Mutex
	engines []*fakeSpeech
	events  []Event
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, busClient *bus.Client, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Models.BaseDir = t.TempDir()
	cfg.Models.Watch = false
	cfg.Models.Preload = false
	cfg.Recorder.RecordingsDir = t.TempDir()
	cfg.Recorder.PollIntervalMS = 5
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "history.db")
	if mutate != nil {
		mutate(&cfg)
	}
	logger := discardLogger()

	h := &harness{cfg: cfg}
	h.registry = models.NewRegistry(cfg.Models.BaseDir, models.DefaultCatalog(), logger)
	h.prefs = preferences.NewStore(preferences.FromConfig(cfg.Preferences))

	store, err := eventstore.Open(context.Background(), cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h.store = store

	openSpeech := func(ctx context.Context, rec models.Record) (capability.Engine, error) {
		e := &fakeSpeech{id: rec.ID}
		h.mu.Lock()
		h.engines = append(h.engines, e)
		h.mu.Unlock()
		return e, nil
	}
	openFormatter := func(ctx context.Context, rec models.Record) (capability.Engine, error) {
		return llm.Open(ctx, cfg.Formatting, rec.ID, rec.Path, logger)
	}
	loaders := map[capability.Name]capability.Loader{
		capability.Speech: ResolvingLoader(h.registry, models.KindSpeech,
			func() string { return h.prefs.Get().SpeechModel }, cfg.Models.SpeechCandidates, openSpeech),
	}
	if cfg.Formatting.Enabled {
		loaders[capability.Formatting] = ResolvingLoader(h.registry, models.KindLLM,
			func() string { return h.prefs.Get().FormattingModel }, cfg.Models.FormattingCandidates, openFormatter)
	}
	h.cache = capability.NewCache(context.Background(), loaders, logger)

	h.svc = NewService(context.Background(), cfg, Deps{
		Recorder:    recorder.NewController(cfg.Recorder, audio.TargetSampleRate, fakeOpener{}, logger),
		Transcriber: transcribe.NewEngine(cfg.Transcription, logger),
		Cache:       h.cache,
		Registry:    h.registry,
		Preferences: h.prefs,
		Store:       store,
		Bus:         busClient,
	}, logger)
	h.svc.Listen(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	if err := h.svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		h.svc.Close()
		h.cache.Close()
		_ = h.store.Close()
	})
	return h
}

func (h *harness) install(t *testing.T, id string) {
	t.Helper()
	path := h.registry.PathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
}

func (h *harness) subjects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Subject)
	}
	return out
}

func writeTone(t *testing.T, path string, seconds float64) {
	t.Helper()
	sink, err := audio.CreateSink(path, audio.TargetSampleRate)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	samples := make([]int16, int(seconds*audio.TargetSampleRate))
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.TargetSampleRate))
	}
	if err := sink.Write(samples); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestTranscribeWithoutModelFailsBeforeLoadingAudio(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.svc.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable before reading audio, got %v", err)
	}
	if !contains(h.subjects(), protocol.SubjectTranscriptFailed) {
		t.Fatalf("expected transcript failure event, got %v", h.subjects())
	}
}

func TestTranscribeUsesActiveModelAndVocabulary(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Preferences.Vocabulary = []string{"Loqa", "NATS"}
	})
	h.install(t, "whisper-small")
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeTone(t, path, 2)

	res, err := h.svc.Transcribe(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello from whisper-small" || res.Model != "whisper-small" || res.Chunks != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	h.mu.Lock()
	prompts := append([]string(nil), h.engines[0].prompts...)
	h.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "Loqa, NATS" {
		t.Fatalf("expected vocabulary prompt, got %v", prompts)
	}
	if !contains(h.subjects(), protocol.SubjectTranscriptFinal) {
		t.Fatalf("expected transcript event, got %v", h.subjects())
	}
}

func TestTranscribeRejectsWrongSampleRate(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.install(t, "whisper-small-en")
	path := filepath.Join(t.TempDir(), "44k.wav")
	sink, err := audio.CreateSink(path, 44100)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if err := sink.Write(make([]int16, 4410)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := h.svc.Transcribe(context.Background(), path); !errors.Is(err, apperr.ErrAudioFormatMismatch) {
		t.Fatalf("expected audio_format_mismatch, got %v", err)
	}
}

func TestPreferenceChangeSwapsEngine(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.install(t, "whisper-small-en")
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeTone(t, path, 1)

	res, err := h.svc.Transcribe(context.Background(), path)
	if err != nil || res.Model != "whisper-small-en" {
		t.Fatalf("expected default model, got %+v %v", res, err)
	}

	if err := h.svc.SetActiveModel(context.Background(), capability.Speech, "whisper-base-en"); err != nil {
		t.Fatalf("set active model: %v", err)
	}
	if _, err := h.svc.Transcribe(context.Background(), path); !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable for uninstalled preference, got %v", err)
	}

	h.install(t, "whisper-base-en")
	res, err = h.svc.Transcribe(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe after install: %v", err)
	}
	if res.Model != "whisper-base-en" {
		t.Fatalf("expected new engine, got %s", res.Model)
	}

	h.mu.Lock()
	first := h.engines[0]
	h.mu.Unlock()
	if !first.closed.Load() {
		t.Fatalf("expected replaced engine to be closed")
	}
	if !contains(h.subjects(), protocol.SubjectPreferencesChanged) {
		t.Fatalf("expected preferences event, got %v", h.subjects())
	}
}

func TestSetActiveModelValidatesKind(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.svc.SetActiveModel(context.Background(), capability.Speech, "qwen2-1.5b-instruct"); !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable for llm as speech model, got %v", err)
	}
	if err := h.svc.SetActiveModel(context.Background(), capability.Formatting, "nope"); !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable for unknown model, got %v", err)
	}
	if err := h.svc.SetActiveModel(context.Background(), capability.Formatting, "gemma-2-2b-instruct"); err != nil {
		t.Fatalf("set formatting model: %v", err)
	}
	if got := h.svc.Preferences().FormattingModel; got != "gemma-2-2b-instruct" {
		t.Fatalf("unexpected formatting preference %q", got)
	}
}

func TestRecordingLifecycleIsPersisted(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.install(t, "whisper-small-en")
	ctx := context.Background()

	rec, err := h.svc.StartRecording(ctx, recorder.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.StartRecording(ctx, recorder.StartOptions{}); !errors.Is(err, apperr.ErrActiveSessionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if st := h.svc.Status(); st.Recording == nil || st.Recording.Path != rec.Path {
		t.Fatalf("expected active recording in status, got %+v", st.Recording)
	}

	time.Sleep(50 * time.Millisecond)
	stopped, err := h.svc.StopRecording(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Reason != recorder.ReasonStopped || stopped.Samples == 0 {
		t.Fatalf("unexpected stopped recording %+v", stopped)
	}
	if _, err := h.svc.StopRecording(ctx); !errors.Is(err, apperr.ErrActiveSessionConflict) {
		t.Fatalf("expected conflict on repeated stop, got %v", err)
	}

	if _, err := h.svc.Transcribe(ctx, stopped.Path); err != nil {
		t.Fatalf("transcribe recording: %v", err)
	}

	stored, ok, err := h.store.GetRecording(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("expected stored recording: %v %v", ok, err)
	}
	if stored.Reason != recorder.ReasonStopped || stored.Transcript == "" || stored.Model != "whisper-small-en" {
		t.Fatalf("unexpected stored recording %+v", stored)
	}
	events, err := h.svc.RecordingEvents(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	for _, want := range []string{protocol.SubjectRecordingStarted, protocol.SubjectRecordingStopped, protocol.SubjectTranscriptFinal} {
		if !contains(types, want) {
			t.Fatalf("expected %s in timeline, got %v", want, types)
		}
	}
}

func TestFormatDisabled(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.svc.Format(context.Background(), "hello", llm.StyleEmail); !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable when formatting is disabled, got %v", err)
	}
}

func TestFormatWithMockEngine(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Formatting.Enabled = true
		cfg.Formatting.Mode = "mock"
	})
	if _, err := h.svc.Format(context.Background(), "hello", llm.StyleEmail); !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model_unavailable without an installed llm, got %v", err)
	}
	h.install(t, "gemma-2-2b-instruct")
	out, err := h.svc.Format(context.Background(), "buy milk", llm.StyleNotes)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out != "[mock formatting] buy milk" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVocabularyEditing(t *testing.T) {
	h := newHarness(t, nil, nil)
	if !h.svc.AddVocabulary("Kubernetes") || h.svc.AddVocabulary("Kubernetes") {
		t.Fatalf("expected single insert")
	}
	if !h.svc.RemoveVocabulary("Kubernetes") || h.svc.RemoveVocabulary("Kubernetes") {
		t.Fatalf("expected single removal")
	}
}

func TestBusControl(t *testing.T) {
	logger := discardLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{ConnectTimeout: 2000}, logger, ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	h := newHarness(t, client, nil)
	h.install(t, "whisper-small-en")
	remote := NewRemote(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan []byte, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectRecordingStarted, func(m *nats.Msg) { started <- m.Data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := remote.Start(ctx, 0)
	if err != nil || !reply.OK || reply.Recording == nil {
		t.Fatalf("remote start: %+v %v", reply, err)
	}
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatalf("no recording.started event on the bus")
	}

	reply, err = remote.Start(ctx, 0)
	if err != nil || reply.OK || reply.Error == nil || reply.Error.Kind != "active_session_conflict" || reply.Error.Class != "conflict" {
		t.Fatalf("expected conflict reply, got %+v %v", reply, err)
	}

	reply, err = remote.Stop(ctx)
	if err != nil || !reply.OK || reply.Recording == nil || reply.Recording.Reason != recorder.ReasonStopped {
		t.Fatalf("remote stop: %+v %v", reply, err)
	}

	reply, err = remote.Transcribe(ctx, reply.Recording.Path)
	if err != nil || !reply.OK || reply.Transcript == nil || reply.Transcript.Model != "whisper-small-en" {
		t.Fatalf("remote transcribe: %+v %v", reply, err)
	}
}

func TestControlHandlersAfterCloseDoNotRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	path := filepath.Join(t.TempDir(), "missing.wav")
	msg := func() *nats.Msg {
		return &nats.Msg{Subject: protocol.SubjectCtrlTranscribe, Data: []byte(`{"path":"` + path + `"}`)}
	}

	// Handlers racing Close must either finish before Close returns or be
	// refused; none may start afterwards.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.svc.handleTranscribe(msg())
				h.svc.handleStop(&nats.Msg{Subject: protocol.SubjectCtrlStop})
			}
		}()
	}
	h.svc.Close()
	wg.Wait()

	before := len(h.subjects())
	h.svc.handleTranscribe(msg())
	h.svc.handleStop(&nats.Msg{Subject: protocol.SubjectCtrlStop})
	if h.svc.goTracked(func() { t.Error("tracked work ran after close") }) {
		t.Fatal("goTracked accepted work after close")
	}
	time.Sleep(50 * time.Millisecond)
	if after := len(h.subjects()); after != before {
		t.Fatalf("handlers ran after close: events %d -> %d", before, after)
	}
	if h.svc.Healthy() {
		t.Fatal("service healthy after close")
	}
}

func (h *harness) speechStatus(t *testing.T) capability.Status {
	t.Helper()
	for _, st := range h.cache.Status() {
		if st.Capability == capability.Speech {
			return st
		}
	}
	t.Fatal("no speech slot")
	return capability.Status{}
}

func TestInstallingLowerRankedModelKeepsEngine(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.install(t, "whisper-small-en")
	h.registry.Refresh()
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeTone(t, path, 1)

	res, err := h.svc.Transcribe(context.Background(), path)
	if err != nil || res.Model != "whisper-small-en" {
		t.Fatalf("expected top candidate, got %+v %v", res, err)
	}
	before := h.speechStatus(t)
	h.mu.Lock()
	loaded := h.engines[len(h.engines)-1]
	h.mu.Unlock()

	h.install(t, "whisper-base-en")
	h.install(t, "whisper-small")
	if changes := h.registry.Refresh(); len(changes) != 2 {
		t.Fatalf("expected two install changes, got %v", changes)
	}
	after := h.speechStatus(t)
	if after.Generation != before.Generation || after.Model != "whisper-small-en" || loaded.closed.Load() {
		t.Fatalf("lower ranked installs replaced the engine: before %+v after %+v", before, after)
	}

	if err := os.Remove(h.registry.PathFor("whisper-small-en")); err != nil {
		t.Fatalf("remove weights: %v", err)
	}
	h.registry.Refresh()
	if !loaded.closed.Load() {
		t.Fatal("expected engine for removed model to be closed")
	}
	res, err = h.svc.Transcribe(context.Background(), path)
	if err != nil || res.Model != "whisper-small" {
		t.Fatalf("expected next candidate after removal, got %+v %v", res, err)
	}
}

func TestAffectsResolution(t *testing.T) {
	candidates := []string{"a", "b", "c"}
	cases := []struct {
		id, preferred, current string
		want                   bool
	}{
		{id: "a", preferred: "b", current: "b", want: false},
		{id: "b", preferred: "b", current: "b", want: true},
		{id: "c", current: "b", want: false},
		{id: "a", current: "b", want: true},
		{id: "b", current: "b", want: true},
		{id: "z", current: "", want: false},
		{id: "c", current: "", want: true},
		{id: "c", current: "x", want: true},
	}
	for _, tc := range cases {
		if got := affectsResolution(tc.id, tc.preferred, candidates, tc.current); got != tc.want {
			t.Errorf("affectsResolution(%q, %q, current %q) = %v, want %v", tc.id, tc.preferred, tc.current, got, tc.want)
		}
	}
}
