package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/nats-io/nats.go"
)

func (s *Service) subscribeControl() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCtrlStart:      s.handleStart,
		protocol.SubjectCtrlStop:       s.handleStop,
		protocol.SubjectCtrlTranscribe: s.handleTranscribe,
	}
	for _, subject := range []string{protocol.SubjectCtrlStart, protocol.SubjectCtrlStop, protocol.SubjectCtrlTranscribe} {
		sub, err := s.deps.Bus.Conn().Subscribe(subject, handlers[subject])
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Drain()
			}
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode start request", slogError(err))
			s.reply(msg, protocol.Reply{Error: &protocol.Failure{Kind: "bad_request", Error: err.Error()}})
			return
		}
	}
	opts := recorder.StartOptions{MaxDuration: time.Duration(req.MaxDurationMS) * time.Millisecond}
	rec, err := s.StartRecording(s.ctx, opts)
	if err != nil {
		f := failure("", "", err)
		s.reply(msg, protocol.Reply{Error: &f})
		return
	}
	evt := recordingEvent(rec, nil)
	s.reply(msg, protocol.Reply{OK: true, Recording: &evt})
}

func (s *Service) handleStop(msg *nats.Msg) {
	// Stop blocks until the artifact is finalized, which can outlast the
	// subscription callback budget, so it runs on its own goroutine.
	started := s.goTracked(func() {
		rec, err := s.StopRecording(s.ctx)
		if err != nil {
			f := failure(rec.ID, rec.Path, err)
			s.reply(msg, protocol.Reply{Error: &f})
			return
		}
		evt := recordingEvent(rec, nil)
		s.reply(msg, protocol.Reply{OK: true, Recording: &evt})
	})
	if !started {
		s.replyClosed(msg)
	}
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Path == "" {
		if err == nil {
			err = fmt.Errorf("path is required")
		}
		s.logger.Warn("invalid transcribe request", slogError(err))
		s.reply(msg, protocol.Reply{Error: &protocol.Failure{Kind: "bad_request", Error: err.Error()}})
		return
	}

	started := s.goTracked(func() {
		res, err := s.Transcribe(s.ctx, req.Path)
		if err != nil {
			f := failure("", req.Path, err)
			s.reply(msg, protocol.Reply{Error: &f})
			return
		}
		evt := transcriptEvent("", req.Path, res)
		s.reply(msg, protocol.Reply{OK: true, Transcript: &evt})
	})
	if !started {
		s.replyClosed(msg)
	}
}

func (s *Service) replyClosed(msg *nats.Msg) {
	f := failure("", "", errServiceClosed)
	s.reply(msg, protocol.Reply{Error: &f})
}

func (s *Service) reply(msg *nats.Msg, r protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	if r.Error != nil && r.Error.Timestamp.IsZero() {
		r.Error.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// Remote drives a daemon's recorder and transcriber over the bus.
type Remote struct {
	bus interface {
		RequestJSON(ctx context.Context, subject string, req, resp any) error
	}
}

func NewRemote(client interface {
	RequestJSON(ctx context.Context, subject string, req, resp any) error
}) *Remote {
	return &Remote{bus: client}
}

func (r *Remote) Start(ctx context.Context, maxDuration time.Duration) (protocol.Reply, error) {
	var reply protocol.Reply
	err := r.bus.RequestJSON(ctx, protocol.SubjectCtrlStart, protocol.StartRequest{MaxDurationMS: maxDuration.Milliseconds()}, &reply)
	return reply, err
}

func (r *Remote) Stop(ctx context.Context) (protocol.Reply, error) {
	var reply protocol.Reply
	err := r.bus.RequestJSON(ctx, protocol.SubjectCtrlStop, struct{}{}, &reply)
	return reply, err
}

func (r *Remote) Transcribe(ctx context.Context, path string) (protocol.Reply, error) {
	var reply protocol.Reply
	err := r.bus.RequestJSON(ctx, protocol.SubjectCtrlTranscribe, protocol.TranscribeRequest{Path: path}, &reply)
	return reply, err
}
