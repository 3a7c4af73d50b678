package mountsync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchLocal signals on the returned channel whenever a mirrored record
// file disappears from the local root. Signals coalesce; the channel is
// closed once ctx ends or the watcher fails.
func (s *Syncer) WatchLocal(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.localRoot); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	entries, err := os.ReadDir(s.localRoot)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		if _, ok := parseTabDir(entry.Name()); ok && entry.IsDir() {
			if err := watcher.Add(filepath.Join(s.localRoot, entry.Name())); err != nil {
				s.logf("watch %s: %v", entry.Name(), err)
			}
		}
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.handleWatchEvent(watcher, event, changes)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("mirror watch error: %v", err)
			}
		}
	}()
	return changes, nil
}

func (s *Syncer) handleWatchEvent(watcher *fsnotify.Watcher, event fsnotify.Event, changes chan<- struct{}) {
	if event.Has(fsnotify.Create) {
		if _, ok := parseTabDir(filepath.Base(event.Name)); ok {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				_ = watcher.Add(event.Name)
			}
		}
		return
	}
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !IsRecordFile(event.Name) {
		return
	}
	select {
	case changes <- struct{}{}:
	default:
	}
}
