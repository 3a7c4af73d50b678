package failurelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 100 * time.Millisecond

type EventSubmitter interface {
	Submit(ctx context.Context, event Event) error
}

type WatchOptions struct {
	Debounce time.Duration
	Logger   Logger
}

// WatchStateFile turns rewrites of the JSON slot by another process into
// ExternalChangeEvents. Writes whose bytes match what backend last saved are
// ignored. It returns when ctx ends.
func WatchStateFile(ctx context.Context, backend *JSONFileStateBackend, submitter EventSubmitter, opts WatchOptions) error {
	if backend == nil || backend.Path == "" || submitter == nil {
		return ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	target := filepath.Clean(backend.Path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// watch the directory: atomic renames replace the file's inode
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove) {
				continue
			}
			fire = time.After(debounce)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if opts.Logger != nil {
				opts.Logger.Printf("state file watcher: %v", watchErr)
			}
		case <-fire:
			fire = nil
			data, readErr := os.ReadFile(target)
			if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
				continue
			}
			if readErr == nil && backend.WrittenByUs(data) {
				continue
			}
			if err := submitter.Submit(ctx, ExternalChangeEvent{Source: target}); err != nil && opts.Logger != nil {
				opts.Logger.Printf("state file watcher: submit external change: %v", err)
			}
		}
	}
}
