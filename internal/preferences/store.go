// Package preferences keeps the user's model choices and custom vocabulary in
// memory. Values are read on every request; subscribers hear about changes
// synchronously after the write has been applied.
package preferences

import (
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

type Field string

const (
	FieldSpeechModel     Field = "speech_model"
	FieldFormattingModel Field = "formatting_model"
	FieldVocabulary      Field = "vocabulary"
)

// Preferences is a snapshot. An empty model id means pick automatically.
type Preferences struct {
	SpeechModel     string   `json:"speech_model,omitempty"`
	FormattingModel string   `json:"formatting_model,omitempty"`
	Vocabulary      []string `json:"vocabulary"`
}

type Change struct {
	Field       Field       `json:"field"`
	Preferences Preferences `json:"preferences"`
}

type Store struct {
	mu    sync.RWMutex
	prefs Preferences
	subs  []func(Change)
}

func NewStore(initial Preferences) *Store {
	s := &Store{}
	s.prefs.SpeechModel = initial.SpeechModel
	s.prefs.FormattingModel = initial.FormattingModel
	for _, w := range initial.Vocabulary {
		s.addLocked(w)
	}
	return s
}

func FromConfig(cfg config.PreferencesConfig) Preferences {
	return Preferences{
		SpeechModel:     cfg.SpeechModel,
		FormattingModel: cfg.FormattingModel,
		Vocabulary:      append([]string(nil), cfg.Vocabulary...),
	}
}

func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) Vocabulary() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.prefs.Vocabulary...)
}

func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// SetSpeechModel stores id ("" for automatic). It reports whether the value
// changed; unchanged writes do not notify.
func (s *Store) SetSpeechModel(id string) bool {
	return s.update(FieldSpeechModel, func(p *Preferences) bool {
		if p.SpeechModel == id {
			return false
		}
		p.SpeechModel = id
		return true
	})
}

func (s *Store) SetFormattingModel(id string) bool {
	return s.update(FieldFormattingModel, func(p *Preferences) bool {
		if p.FormattingModel == id {
			return false
		}
		p.FormattingModel = id
		return true
	})
}

// AddVocabulary appends word unless it is blank or already present.
func (s *Store) AddVocabulary(word string) bool {
	return s.update(FieldVocabulary, func(*Preferences) bool {
		return s.addLocked(word)
	})
}

func (s *Store) RemoveVocabulary(word string) bool {
	word = strings.TrimSpace(word)
	return s.update(FieldVocabulary, func(p *Preferences) bool {
		kept := p.Vocabulary[:0]
		removed := false
		for _, w := range p.Vocabulary {
			if w == word {
				removed = true
				continue
			}
			kept = append(kept, w)
		}
		p.Vocabulary = kept
		return removed
	})
}

func (s *Store) update(field Field, apply func(*Preferences) bool) bool {
	s.mu.Lock()
	if !apply(&s.prefs) {
		s.mu.Unlock()
		return false
	}
	change := Change{Field: field, Preferences: s.snapshotLocked()}
	subs := append([]func(Change){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(change)
	}
	return true
}

func (s *Store) addLocked(word string) bool {
	word = strings.TrimSpace(word)
	if word == "" {
		return false
	}
	for _, w := range s.prefs.Vocabulary {
		if w == word {
			return false
		}
	}
	s.prefs.Vocabulary = append(s.prefs.Vocabulary, word)
	return true
}

func (s *Store) snapshotLocked() Preferences {
	p := s.prefs
	p.Vocabulary = append([]string{}, s.prefs.Vocabulary...)
	return p
}
