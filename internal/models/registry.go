package models

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/apperr"
)

type Status string

const (
	StatusInstalled    Status = "installed"
	StatusNotInstalled Status = "not_installed"
)

// Record is a catalog entry together with its install state.
type Record struct {
	Entry
	Status Status `json:"status"`
	Path   string `json:"path,omitempty"`
}

func (r Record) Installed() bool { return r.Status == StatusInstalled }

// Change reports a model whose install state flipped.
type Change struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Installed bool   `json:"installed"`
}

// Registry maps model ids to install paths. Install state is read from disk
// on every lookup so callers always see the current directory contents.
type Registry struct {
	baseDir string
	entries map[string]Entry
	order   []string
	log     *slog.Logger

	mu       sync.Mutex
	snapshot map[string]bool
	subs     []func(Change)
}

func NewRegistry(baseDir string, catalog []Entry, logger *slog.Logger) *Registry {
	r := &Registry{
		baseDir: baseDir,
		entries: make(map[string]Entry, len(catalog)),
		log:     logger.With(slog.String("component", "model-registry")),
	}
	for _, entry := range catalog {
		if _, dup := r.entries[entry.ID]; dup {
			continue
		}
		r.entries[entry.ID] = entry
		r.order = append(r.order, entry.ID)
	}
	r.snapshot = r.scan()
	return r
}

func (r *Registry) BaseDir() string { return r.baseDir }

// PathFor returns where the weights for id live, installed or not.
func (r *Registry) PathFor(id string) string {
	entry, ok := r.entries[id]
	if ok && entry.Kind == KindLLM {
		return filepath.Join(r.baseDir, id+".gguf")
	}
	return filepath.Join(r.baseDir, id, speechWeightsFile)
}

// Lookup returns the current record for id.
func (r *Registry) Lookup(id string) (Record, bool) {
	entry, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return r.record(entry), true
}

// List returns every catalog model in catalog order.
func (r *Registry) List() []Record {
	records := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.record(r.entries[id]))
	}
	return records
}

// Resolve picks the model to load for kind. A non-empty preferred id must be
// installed; otherwise the first installed candidate wins. Both paths fail
// with model_unavailable when nothing usable is on disk.
func (r *Registry) Resolve(kind Kind, preferred string, candidates []string) (Record, error) {
	if preferred != "" {
		rec, ok := r.Lookup(preferred)
		if !ok {
			return Record{}, apperr.E(apperr.KindModelUnavailable, "resolve model",
				fmt.Errorf("unknown model %q", preferred))
		}
		if rec.Kind != kind {
			return Record{}, apperr.E(apperr.KindModelUnavailable, "resolve model",
				fmt.Errorf("model %q is a %s model, not %s", preferred, rec.Kind, kind))
		}
		if !rec.Installed() {
			return Record{}, apperr.E(apperr.KindModelUnavailable, "resolve model",
				fmt.Errorf("model %q is not installed", preferred))
		}
		return rec, nil
	}

	for _, id := range candidates {
		rec, ok := r.Lookup(id)
		if !ok || rec.Kind != kind {
			continue
		}
		if rec.Installed() {
			return rec, nil
		}
	}
	return Record{}, apperr.E(apperr.KindModelUnavailable, "resolve model",
		fmt.Errorf("no %s model installed under %s", kind, r.baseDir))
}

// Subscribe registers fn for install changes found by Refresh.
func (r *Registry) Subscribe(fn func(Change)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Refresh rescans the models directory and notifies subscribers of every
// model whose install state changed since the last scan.
func (r *Registry) Refresh() []Change {
	current := r.scan()

	r.mu.Lock()
	var changes []Change
	for _, id := range r.order {
		if current[id] != r.snapshot[id] {
			changes = append(changes, Change{ID: id, Kind: r.entries[id].Kind, Installed: current[id]})
		}
	}
	r.snapshot = current
	subs := append([]func(Change){}, r.subs...)
	r.mu.Unlock()

	for _, change := range changes {
		r.log.Info("model install state changed",
			slog.String("model", change.ID),
			slog.Bool("installed", change.Installed),
		)
		for _, fn := range subs {
			fn(change)
		}
	}
	return changes
}

func (r *Registry) scan() map[string]bool {
	installed := make(map[string]bool, len(r.order))
	for _, id := range r.order {
		installed[id] = fileExists(r.PathFor(id))
	}
	return installed
}

func (r *Registry) record(entry Entry) Record {
	rec := Record{Entry: entry, Status: StatusNotInstalled}
	path := r.PathFor(entry.ID)
	if fileExists(path) {
		rec.Status = StatusInstalled
		rec.Path = path
	}
	return rec
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}
