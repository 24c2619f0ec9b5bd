package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchesKind(t *testing.T) {
	err := E(KindModelUnavailable, "resolve speech", errors.New("nothing installed"))
	wrapped := fmt.Errorf("transcribe: %w", err)

	if !errors.Is(wrapped, ErrModelUnavailable) {
		t.Fatalf("expected wrapped error to match ErrModelUnavailable")
	}
	if errors.Is(wrapped, ErrDecodeFailure) {
		t.Fatalf("did not expect match against ErrDecodeFailure")
	}
	if KindOf(wrapped) != KindModelUnavailable {
		t.Fatalf("expected kind model_unavailable, got %s", KindOf(wrapped))
	}
}

func TestClass(t *testing.T) {
	cases := map[Kind]Class{
		KindDeviceUnavailable:     ClassConfig,
		KindModelUnavailable:      ClassConfig,
		KindDecodeInitFailure:     ClassConfig,
		KindAudioFormatMismatch:   ClassConfig,
		KindActiveSessionConflict: ClassConflict,
		KindDecodeFailure:         ClassTransient,
		KindSinkIO:                ClassTransient,
	}
	for kind, want := range cases {
		if got := kind.Class(); got != want {
			t.Fatalf("%s: expected class %s, got %s", kind, want, got)
		}
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatalf("expected unknown kind for untyped error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := E(KindActiveSessionConflict, "stop recording", nil)
	if err.Error() != "stop recording: active_session_conflict" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
