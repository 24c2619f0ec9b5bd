package audio

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
)

const (
	sinkBitDepth    = 16
	sinkChannels    = 1
	wavFormatPCM    = 1
	sinkInitialSize = 4096
)

// Sink streams 16 kHz mono 16-bit samples into a WAV file. The capture
// callback writes with TryWrite, which never blocks: when the sink is busy
// the block is dropped and counted. Finalize takes the lock unconditionally,
// rewrites the header sizes and closes the file.
type Sink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	closed bool
	err    error

	written atomic.Int64
	dropped atomic.Int64
	level   atomic.Uint64
}

// CreateSink creates path and writes a WAV header for a mono stream at
// sampleRate. Any filesystem failure is reported as a sink_io error.
func CreateSink(path string, sampleRate int) (*Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, apperr.E(apperr.KindSinkIO, "create sink", err)
	}
	enc := wav.NewEncoder(file, sampleRate, sinkBitDepth, sinkChannels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: sinkChannels, SampleRate: sampleRate},
		Data:           make([]int, 0, sinkInitialSize),
		SourceBitDepth: sinkBitDepth,
	}
	// An empty write forces the header out so a stream with no audio still
	// finalizes into a readable file.
	if err := enc.Write(buf); err != nil {
		file.Close()
		os.Remove(path)
		return nil, apperr.E(apperr.KindSinkIO, "write wav header", err)
	}
	return &Sink{path: path, file: file, enc: enc, buf: buf}, nil
}

// Path returns the artifact location.
func (s *Sink) Path() string { return s.path }

// TryWrite appends samples if the sink is free. It returns false, and counts
// the block as dropped, when another writer holds the sink, the sink is
// closed, or a previous write failed.
func (s *Sink) TryWrite(samples []int16) bool {
	if len(samples) == 0 {
		return true
	}
	if !s.mu.TryLock() {
		s.dropped.Add(1)
		return false
	}
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		s.dropped.Add(1)
		return false
	}
	s.buf.Data = s.buf.Data[:0]
	for _, v := range samples {
		s.buf.Data = append(s.buf.Data, int(v))
	}
	if err := s.enc.Write(s.buf); err != nil {
		s.err = err
		s.dropped.Add(1)
		return false
	}
	s.level.Store(math.Float64bits(RMSInt16(samples)))
	s.written.Add(int64(len(samples)))
	return true
}

// Write blocks until the samples are appended.
func (s *Sink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.E(apperr.KindSinkIO, "write sink", fmt.Errorf("sink %s already finalized", s.path))
	}
	if s.err != nil {
		return apperr.E(apperr.KindSinkIO, "write sink", s.err)
	}
	s.buf.Data = s.buf.Data[:0]
	for _, v := range samples {
		s.buf.Data = append(s.buf.Data, int(v))
	}
	if err := s.enc.Write(s.buf); err != nil {
		s.err = err
		return apperr.E(apperr.KindSinkIO, "write sink", err)
	}
	s.level.Store(math.Float64bits(RMSInt16(samples)))
	s.written.Add(int64(len(samples)))
	return nil
}

// Finalize seals the header and closes the file. It is idempotent; only the
// first call reports errors.
func (s *Sink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	encErr := s.enc.Close()
	closeErr := s.file.Close()
	switch {
	case s.err != nil:
		return apperr.E(apperr.KindSinkIO, "write sink", s.err)
	case encErr != nil:
		return apperr.E(apperr.KindSinkIO, "finalize wav header", encErr)
	case closeErr != nil:
		return apperr.E(apperr.KindSinkIO, "close sink", closeErr)
	}
	return nil
}

// Written returns the number of samples committed to the file.
func (s *Sink) Written() int64 { return s.written.Load() }

// Dropped returns the number of blocks discarded by TryWrite.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Level is the RMS of the most recently committed block, in [0, 1].
func (s *Sink) Level() float64 { return math.Float64frombits(s.level.Load()) }
