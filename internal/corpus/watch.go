package corpus

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"codecoach/internal/logging"
)

// Watch rebuilds the store from dir whenever an allowed file in it changes.
// Bursts of events within debounce trigger a single rebuild. onRebuild, if
// non-nil, receives the outcome of every rebuild. Watch blocks until ctx is
// done.
func (b *Builder) Watch(ctx context.Context, dir string, debounce time.Duration, onRebuild func(RebuildStats, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	logging.Corpus("watching %s for context source changes", dir)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !Allowed(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logging.CorpusDebug("source change: %s", ev)
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.CorpusWarn("watcher error: %v", err)

		case <-timer.C:
			stats, err := b.Rebuild(ctx, dir)
			if onRebuild != nil {
				onRebuild(stats, err)
			}
		}
	}
}
