// Package apperr defines the failure kinds surfaced by the capture,
// recording, transcription and model-cache layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDeviceUnavailable
	KindStreamFormatUnsupported
	KindSinkIO
	KindActiveSessionConflict
	KindAudioFormatMismatch
	KindModelUnavailable
	KindDecodeInitFailure
	KindDecodeFailure
)

// Class groups kinds by how a caller should react to them.
type Class string

const (
	ClassConfig    Class = "config"
	ClassConflict  Class = "conflict"
	ClassTransient Class = "transient"
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindDeviceUnavailable:       "device_unavailable",
	KindStreamFormatUnsupported: "stream_format_unsupported",
	KindSinkIO:                  "sink_io",
	KindActiveSessionConflict:   "active_session_conflict",
	KindAudioFormatMismatch:     "audio_format_mismatch",
	KindModelUnavailable:        "model_unavailable",
	KindDecodeInitFailure:       "decode_init_failure",
	KindDecodeFailure:           "decode_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Class reports whether retrying can help. Missing devices, models and
// unsupported formats need the user to change something; sink and decode
// errors may succeed on a later attempt.
func (k Kind) Class() Class {
	switch k {
	case KindActiveSessionConflict:
		return ClassConflict
	case KindSinkIO, KindDecodeFailure, KindUnknown:
		return ClassTransient
	default:
		return ClassConfig
	}
}

// Error is a typed failure carrying the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// E builds a typed error. err may be nil.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrDeviceUnavailable       = &Error{Kind: KindDeviceUnavailable}
	ErrStreamFormatUnsupported = &Error{Kind: KindStreamFormatUnsupported}
	ErrSinkIO                  = &Error{Kind: KindSinkIO}
	ErrActiveSessionConflict   = &Error{Kind: KindActiveSessionConflict}
	ErrAudioFormatMismatch     = &Error{Kind: KindAudioFormatMismatch}
	ErrModelUnavailable        = &Error{Kind: KindModelUnavailable}
	ErrDecodeInitFailure       = &Error{Kind: KindDecodeInitFailure}
	ErrDecodeFailure           = &Error{Kind: KindDecodeFailure}
)
