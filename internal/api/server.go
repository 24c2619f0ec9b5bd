// Package api serves the dictation service over HTTP and relays its events to
// websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictation/internal/apperr"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/preferences"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultListLimit = 100
)

// Dictation is the part of dictation.Service the API drives.
type Dictation interface {
	StartRecording(ctx context.Context, opts recorder.StartOptions) (recorder.Recording, error)
	StopRecording(ctx context.Context) (recorder.Recording, error)
	Status() dictation.Status
	Transcribe(ctx context.Context, path string) (transcribe.Result, error)
	Format(ctx context.Context, text string, style llm.Style) (string, error)
	SetActiveModel(ctx context.Context, name capability.Name, id string) error
	AddVocabulary(word string) bool
	RemoveVocabulary(word string) bool
	Preferences() preferences.Preferences
	Models() []models.Record
	Capabilities() []capability.Status
	Recordings(ctx context.Context, limit int) ([]eventstore.Recording, error)
	RecordingEvents(ctx context.Context, id string, limit int) ([]eventstore.Event, error)
	Listen(fn func(dictation.Event)) func()
}

type Server struct {
	svc      Dictation
	log      *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	ready    func() bool
}

// New builds the router. metrics may be nil; ready reports readiness for
// /readyz and defaults to always ready.
func New(svc Dictation, metrics http.Handler, ready func() bool, logger *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		svc:   svc,
		log:   logger.With(slog.String("component", "api")),
		ready: ready,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/recordings", s.handleListRecordings).Methods(http.MethodGet)
	api.HandleFunc("/recordings", s.handleStartRecording).Methods(http.MethodPost)
	api.HandleFunc("/recordings/active", s.handleActiveRecording).Methods(http.MethodGet)
	api.HandleFunc("/recordings/active", s.handleStopRecording).Methods(http.MethodDelete)
	api.HandleFunc("/recordings/{id}/events", s.handleRecordingEvents).Methods(http.MethodGet)
	api.HandleFunc("/transcriptions", s.handleTranscribe).Methods(http.MethodPost)
	api.HandleFunc("/format", s.handleFormat).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	api.HandleFunc("/preferences", s.handlePreferences).Methods(http.MethodGet)
	api.HandleFunc("/preferences/models/{capability}", s.handleSetModel).Methods(http.MethodPut)
	api.HandleFunc("/preferences/vocabulary/{word}", s.handleAddWord).Methods(http.MethodPost)
	api.HandleFunc("/preferences/vocabulary/{word}", s.handleRemoveWord).Methods(http.MethodDelete)

	r.HandleFunc("/ws/events", s.handleEvents)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type startRequest struct {
	MaxDurationMS int64 `json:"max_duration_ms"`
}

type transcribeRequest struct {
	Path string `json:"path"`
}

type formatRequest struct {
	Text  string `json:"text"`
	Style string `json:"style"`
}

type formatResponse struct {
	Text  string `json:"text"`
	Style string `json:"style"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Class string `json:"class,omitempty"`
}

type recordingResponse struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	DurationMS int64     `json:"duration_ms"`
	Samples    int64     `json:"samples"`
	Dropped    int64     `json:"dropped_blocks"`
	Reason     string    `json:"reason,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Model      string    `json:"model,omitempty"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.badRequest(w, err)
		return
	}
	rec, err := s.svc.StartRecording(r.Context(), recorder.StartOptions{
		MaxDuration: time.Duration(req.MaxDurationMS) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleActiveRecording(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	if st.Recording == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active recording"})
		return
	}
	s.writeJSON(w, http.StatusOK, st.Recording)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.StopRecording(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	recs, err := s.svc.Recordings(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]recordingResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordingResponse{
			ID:         rec.ID,
			Path:       rec.Path,
			StartedAt:  rec.StartedAt,
			StoppedAt:  rec.StoppedAt,
			DurationMS: rec.Duration.Milliseconds(),
			Samples:    rec.Samples,
			Dropped:    rec.Dropped,
			Reason:     rec.Reason,
			Transcript: rec.Transcript,
			Model:      rec.Model,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecordingEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	events, err := s.svc.RecordingEvents(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, evt := range events {
		payload := json.RawMessage(evt.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, eventResponse{ID: evt.ID, Type: evt.Type, Payload: payload, CreatedAt: evt.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.Path == "" {
		s.badRequest(w, errors.New("path is required"))
		return
	}
	res, err := s.svc.Transcribe(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	var req formatRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.badRequest(w, err)
		return
	}
	style, err := llm.ParseStyle(req.Style)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	text, err := s.svc.Format(r.Context(), req.Text, style)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, formatResponse{Text: text, Style: string(style)})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Models())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Capabilities())
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Preferences())
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	name, err := capability.ParseName(mux.Vars(r)["capability"])
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	var req modelRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.badRequest(w, err)
		return
	}
	if err := s.svc.SetActiveModel(r.Context(), name, req.Model); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Preferences())
}

func (s *Server) handleAddWord(w http.ResponseWriter, r *http.Request) {
	word := mux.Vars(r)["word"]
	status := http.StatusOK
	if s.svc.AddVocabulary(word) {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, s.svc.Preferences())
}

func (s *Server) handleRemoveWord(w http.ResponseWriter, r *http.Request) {
	word := mux.Vars(r)["word"]
	if !s.svc.RemoveVocabulary(word) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "word not in vocabulary"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Preferences())
}

// handleEvents relays every service event to the websocket client until it
// disconnects. Events that arrive while the client is slow are dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}

	send := make(chan []byte, 256)
	unlisten := s.svc.Listen(func(evt dictation.Event) {
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		select {
		case send <- data:
		default:
			s.log.Debug("dropping event for slow websocket client", slog.String("subject", evt.Subject))
		}
	})

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(conn)
	unlisten()
	close(done)
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", slogError(err))
			}
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", slogError(err))
	}
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
		return
	}
	kind := apperr.KindOf(err)
	resp := errorResponse{Error: err.Error()}
	if kind != apperr.KindUnknown {
		resp.Kind = kind.String()
		resp.Class = string(kind.Class())
	}
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", slog.String("kind", kind.String()), slogError(err))
	}
	s.writeJSON(w, status, resp)
}

// statusFor maps a failure kind to an HTTP status by its class.
func statusFor(kind apperr.Kind) int {
	if kind == apperr.KindUnknown {
		return http.StatusInternalServerError
	}
	switch kind.Class() {
	case apperr.ClassConflict:
		return http.StatusConflict
	case apperr.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
