package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settleDelay = 250 * time.Millisecond

// Watch follows the models directory and calls Refresh once writes have
// settled. Speech models live in their own subdirectory, so those are watched
// as they appear. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.baseDir); err != nil {
		return fmt.Errorf("watch %s: %w", r.baseDir, err)
	}
	for _, id := range r.order {
		if r.entries[id].Kind != KindSpeech {
			continue
		}
		dir := filepath.Join(r.baseDir, id)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := watcher.Add(dir); err != nil {
				r.log.Warn("failed to watch model directory", slog.String("path", dir), slogError(err))
			}
		}
	}
	r.log.Info("watching models directory", slog.String("path", r.baseDir))

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && r.isSpeechDir(event.Name) {
				if err := watcher.Add(event.Name); err != nil {
					r.log.Warn("failed to watch model directory", slog.String("path", event.Name), slogError(err))
				}
			}
			settle.Reset(settleDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("model watcher error", slogError(err))

		case <-settle.C:
			r.Refresh()
		}
	}
}

func (r *Registry) isSpeechDir(path string) bool {
	if filepath.Dir(path) != filepath.Clean(r.baseDir) {
		return false
	}
	entry, ok := r.entries[filepath.Base(path)]
	if !ok || entry.Kind != KindSpeech {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
