package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	_ "modernc.org/sqlite"
)

// Recording is one captured artifact and, once transcribed, its transcript.
type Recording struct {
	ID         string
	Path       string
	StartedAt  time.Time
	StoppedAt  time.Time
	Duration   time.Duration
	Samples    int64
	Dropped    int64
	Reason     string
	Transcript string
	Model      string
	CreatedAt  time.Time
}

// Event represents a recorded timeline entry for a recording.
type Event struct {
	ID          int64
	RecordingID string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed recording history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    samples INTEGER NOT NULL DEFAULT 0,
    dropped INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    transcript TEXT,
    model TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_recording_created ON events(recording_id, created_at);
CREATE INDEX IF NOT EXISTS idx_recordings_path ON recordings(path);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutRecording inserts or updates the capture details of a recording. Updates
// never move a recording backwards, so a late start notice cannot clear the
// stop details. The transcript columns are left alone.
func (s *Store) PutRecording(ctx context.Context, rec Recording) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, path, started_at, stopped_at, duration_ms, samples, dropped, reason, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET
		   path=excluded.path,
		   stopped_at=COALESCE(excluded.stopped_at, recordings.stopped_at),
		   duration_ms=MAX(excluded.duration_ms, recordings.duration_ms),
		   samples=MAX(excluded.samples, recordings.samples),
		   dropped=MAX(excluded.dropped, recordings.dropped),
		   reason=COALESCE(NULLIF(excluded.reason, ''), recordings.reason)`,
		rec.ID, rec.Path, toMillis(rec.StartedAt), nullMillis(rec.StoppedAt), rec.Duration.Milliseconds(),
		rec.Samples, rec.Dropped, rec.Reason, toMillis(s.clock()))
	if err != nil {
		return fmt.Errorf("put recording: %w", err)
	}
	return nil
}

// SetTranscript stores the transcript for the recording whose artifact is
// path. It reports the recording id, or "" when the artifact was not
// recorded by this process.
func (s *Store) SetTranscript(ctx context.Context, path, model, text string) (string, error) {
	if !s.enabled() {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE recordings SET transcript = ?, model = ? WHERE path = ? RETURNING recording_id`,
		text, model, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("set transcript: %w", err)
	}
	return id, nil
}

// GetRecording returns the recording with id.
func (s *Store) GetRecording(ctx context.Context, id string) (Recording, bool, error) {
	if !s.enabled() {
		return Recording{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, selectRecording+` WHERE recording_id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, false, nil
	}
	if err != nil {
		return Recording{}, false, err
	}
	return rec, true, nil
}

// ListRecordings returns up to limit recordings, newest first.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecording+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectRecording = `SELECT recording_id, path, started_at, stopped_at, duration_ms, samples, dropped,
	COALESCE(reason, ''), COALESCE(transcript, ''), COALESCE(model, ''), created_at FROM recordings`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var (
		rec                          Recording
		started, created, durationMS int64
		stopped                      sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Path, &started, &stopped, &durationMS, &rec.Samples, &rec.Dropped,
		&rec.Reason, &rec.Transcript, &rec.Model, &created); err != nil {
		return Recording{}, err
	}
	rec.StartedAt = fromMillis(started)
	if stopped.Valid {
		rec.StoppedAt = fromMillis(stopped.Int64)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.CreatedAt = fromMillis(created)
	return rec, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(recording_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.RecordingID, evt.Type, evt.Payload, toMillis(evt.CreatedAt))
	return err
}

// ListRecordingEvents retrieves up to limit events for a recording ordered ascending by time.
func (s *Store) ListRecordingEvents(ctx context.Context, recordingID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, event_type, payload, created_at
		 FROM events WHERE recording_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RecordingID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be
// scheduled). It returns the artifact paths of the recordings it removed;
// when delete_artifacts is set those files are removed too.
func (s *Store) Prune(ctx context.Context) (paths []string, err error) {
	if !s.enabled() {
		return nil, nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var where []string
	var args []any
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		where = append(where, `started_at < ?`)
		args = append(args, toMillis(cutoff))
	}
	if s.cfg.MaxRecordings > 0 {
		where = append(where, `recording_id IN (
			SELECT recording_id FROM recordings ORDER BY started_at DESC LIMIT -1 OFFSET ?)`)
		args = append(args, s.cfg.MaxRecordings)
	}
	for i, clause := range where {
		paths, err = prunePaths(ctx, tx, paths, clause, args[i])
		if err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE `+clause, args[i]); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	if len(paths) > 0 {
		s.log.Info("pruned recordings", slog.Int("count", len(paths)))
	}
	if s.cfg.DeleteArtifacts {
		for _, p := range paths {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.log.Warn("failed to remove pruned artifact", slog.String("path", p), slog.String("error", rmErr.Error()))
			}
		}
	}
	return paths, nil
}

func prunePaths(ctx context.Context, tx *sql.Tx, paths []string, clause string, arg any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path FROM recordings WHERE `+clause, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
