package protocol

import "time"

// RecordingEvent is broadcast when a recording starts or stops.
type RecordingEvent struct {
	RecordingID string    `json:"recording_id"`
	Path        string    `json:"path"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at,omitzero"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Samples     int64     `json:"samples,omitempty"`
	Dropped     int64     `json:"dropped,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Segment is a timed piece of a transcript.
type Segment struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Transcript represents a final transcription broadcast on the bus.
type Transcript struct {
	RecordingID string    `json:"recording_id,omitempty"`
	Path        string    `json:"path"`
	Text        string    `json:"text"`
	Model       string    `json:"model"`
	Chunks      int       `json:"chunks"`
	AudioMS     int64     `json:"audio_ms"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Segments    []Segment `json:"segments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Failure reports an operation that ended with a typed error.
type Failure struct {
	RecordingID string    `json:"recording_id,omitempty"`
	Path        string    `json:"path,omitempty"`
	Kind        string    `json:"kind"`
	Class       string    `json:"class"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// ModelEvent reports the outcome of a capability load.
type ModelEvent struct {
	Capability string    `json:"capability"`
	Model      string    `json:"model,omitempty"`
	Generation uint64    `json:"generation"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PreferencesEvent carries the preferences after a change.
type PreferencesEvent struct {
	Field           string    `json:"field"`
	SpeechModel     string    `json:"speech_model,omitempty"`
	FormattingModel string    `json:"formatting_model,omitempty"`
	Vocabulary      []string  `json:"vocabulary"`
	Timestamp       time.Time `json:"timestamp"`
}

// StartRequest asks the daemon to begin recording. MaxDurationMS 0 uses the
// configured default and a negative value records until stopped.
type StartRequest struct {
	MaxDurationMS int64 `json:"max_duration_ms,omitempty"`
}

// TranscribeRequest asks the daemon to transcribe an artifact on disk.
type TranscribeRequest struct {
	Path string `json:"path"`
}

// Reply is the response to every control request. Exactly one of the
// payload fields is set on success.
type Reply struct {
	OK         bool            `json:"ok"`
	Recording  *RecordingEvent `json:"recording,omitempty"`
	Transcript *Transcript     `json:"transcript,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
}

const (
	SubjectRecordingStarted   = "dictation.recording.started"
	SubjectRecordingStopped   = "dictation.recording.stopped"
	SubjectTranscriptFinal    = "dictation.transcript.final"
	SubjectTranscriptFailed   = "dictation.transcript.failed"
	SubjectModelLoaded        = "dictation.model.loaded"
	SubjectModelFailed        = "dictation.model.failed"
	SubjectPreferencesChanged = "dictation.preferences.changed"

	SubjectCtrlStart      = "dictation.ctrl.start"
	SubjectCtrlStop       = "dictation.ctrl.stop"
	SubjectCtrlTranscribe = "dictation.ctrl.transcribe"

	// SubjectAll matches every dictation event for relays.
	SubjectAll = "dictation.>"
)
