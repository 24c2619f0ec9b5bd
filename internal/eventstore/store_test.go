package eventstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.PutRecording(ctx, Recording{ID: "r1", Path: "x.wav"}); err != nil {
		t.Fatalf("put on ephemeral store: %v", err)
	}
	if _, ok, _ := es.GetRecording(ctx, "r1"); ok {
		t.Fatalf("ephemeral store should not keep recordings")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := Recording{ID: "rec-1", Path: "/tmp/recording_1.wav", StartedAt: started}
	if err := es.PutRecording(ctx, rec); err != nil {
		t.Fatalf("put recording: %v", err)
	}

	rec.StoppedAt = started.Add(12 * time.Second)
	rec.Duration = 12 * time.Second
	rec.Samples = 192000
	rec.Reason = "stopped"
	if err := es.PutRecording(ctx, rec); err != nil {
		t.Fatalf("update recording: %v", err)
	}

	id, err := es.SetTranscript(ctx, rec.Path, "whisper-small-en", "hello world")
	if err != nil {
		t.Fatalf("set transcript: %v", err)
	}
	if id != "rec-1" {
		t.Fatalf("expected transcript attached to rec-1, got %q", id)
	}
	if id, err := es.SetTranscript(ctx, "/elsewhere.wav", "m", "x"); err != nil || id != "" {
		t.Fatalf("expected unknown artifact to be ignored, got %q %v", id, err)
	}

	got, ok, err := es.GetRecording(ctx, "rec-1")
	if err != nil || !ok {
		t.Fatalf("get recording: %v %v", ok, err)
	}
	if !got.StartedAt.Equal(started) || !got.StoppedAt.Equal(rec.StoppedAt) {
		t.Fatalf("unexpected times %v %v", got.StartedAt, got.StoppedAt)
	}
	if got.Duration != 12*time.Second || got.Samples != 192000 || got.Reason != "stopped" {
		t.Fatalf("unexpected recording %+v", got)
	}
	if got.Transcript != "hello world" || got.Model != "whisper-small-en" {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.PutRecording(ctx, Recording{ID: "rec-2", Path: "a.wav", StartedAt: time.Now()}); err != nil {
		t.Fatalf("put recording: %v", err)
	}
	for _, typ := range []string{"recording.started", "recording.stopped", "transcript.final"} {
		if err := es.AppendEvent(ctx, Event{RecordingID: "rec-2", Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListRecordingEvents(ctx, "rec-2", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "recording.started" || string(events[2].Payload) != "transcript.final" {
		t.Fatalf("unexpected order %+v", events)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	es := openTestStore(t, config.EventStoreConfig{
		RetentionMode:   "persistent",
		RetentionDays:   1,
		MaxRecordings:   1,
		DeleteArtifacts: true,
	})

	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	es.clock = func() time.Time { return day(3) }

	var paths []string
	for i, started := range []time.Time{day(1), day(2).Add(12 * time.Hour), day(3)} {
		p := filepath.Join(dir, "rec"+string(rune('a'+i))+".wav")
		if err := os.WriteFile(p, []byte("RIFF"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		paths = append(paths, p)
		if err := es.PutRecording(ctx, Recording{ID: p, Path: p, StartedAt: started}); err != nil {
			t.Fatalf("put recording: %v", err)
		}
		if err := es.AppendEvent(ctx, Event{RecordingID: p, Type: "note"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	pruned, err := es.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(pruned) != 2 {
		t.Fatalf("expected 2 pruned recordings, got %v", pruned)
	}
	if _, ok, _ := es.GetRecording(ctx, paths[2]); !ok {
		t.Fatalf("expected newest recording to survive")
	}
	events, err := es.ListRecordingEvents(ctx, paths[0], 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events of pruned recording to cascade")
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("expected pruned artifact removed, stat err=%v", err)
	}
	if _, err := os.Stat(paths[2]); err != nil {
		t.Fatalf("expected kept artifact on disk: %v", err)
	}
}

func TestListRecordingsNewestFirst(t *testing.T) {
	ctx := context.Background()
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := es.PutRecording(ctx, Recording{ID: id, Path: id + ".wav", StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	recs, err := es.ListRecordings(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
}
