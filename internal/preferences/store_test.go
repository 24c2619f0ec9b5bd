package preferences

import (
	"testing"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

func TestVocabularyHasNoDuplicates(t *testing.T) {
	s := NewStore(Preferences{Vocabulary: []string{"NATS", "NATS", " "}})
	if got := s.Vocabulary(); len(got) != 1 {
		t.Fatalf("expected deduplicated seed vocabulary, got %v", got)
	}
	if !s.AddVocabulary("Kubernetes") {
		t.Fatalf("expected new word to be added")
	}
	if s.AddVocabulary("Kubernetes") {
		t.Fatalf("expected duplicate to be ignored")
	}
	if s.AddVocabulary("  ") {
		t.Fatalf("expected blank word to be ignored")
	}
	if got := s.Vocabulary(); len(got) != 2 || got[1] != "Kubernetes" {
		t.Fatalf("unexpected vocabulary %v", got)
	}
}

func TestRemoveVocabulary(t *testing.T) {
	s := NewStore(Preferences{Vocabulary: []string{"alpha", "beta", "gamma"}})
	if !s.RemoveVocabulary("beta") {
		t.Fatalf("expected beta to be removed")
	}
	if s.RemoveVocabulary("beta") {
		t.Fatalf("expected second removal to report no change")
	}
	got := s.Vocabulary()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "gamma" {
		t.Fatalf("unexpected vocabulary %v", got)
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	s := NewStore(Preferences{})
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.SetSpeechModel("whisper-base-en")
	s.SetSpeechModel("whisper-base-en")
	s.SetFormattingModel("qwen2-1.5b-instruct")
	s.AddVocabulary("Loqa")

	if len(changes) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(changes))
	}
	if changes[0].Field != FieldSpeechModel || changes[0].Preferences.SpeechModel != "whisper-base-en" {
		t.Fatalf("unexpected first change %+v", changes[0])
	}
	if changes[2].Field != FieldVocabulary || len(changes[2].Preferences.Vocabulary) != 1 {
		t.Fatalf("unexpected vocabulary change %+v", changes[2])
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(Preferences{Vocabulary: []string{"one"}})
	p := s.Get()
	p.Vocabulary[0] = "mutated"
	if s.Vocabulary()[0] != "one" {
		t.Fatalf("expected store to be unaffected by caller mutation")
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.PreferencesConfig{SpeechModel: "whisper-small", Vocabulary: []string{"x"}})
	if p.SpeechModel != "whisper-small" || p.FormattingModel != "" || len(p.Vocabulary) != 1 {
		t.Fatalf("unexpected preferences %+v", p)
	}
}
