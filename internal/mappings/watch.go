package mappings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long the file must stay quiet before a reload.
const WatchDebounce = 100 * time.Millisecond

// Watch reloads the table when the mappings file changes on disk until ctx
// is cancelled. Editors that replace the file by rename are handled by
// watching the parent directory. Writes made by the store itself leave the
// digest unchanged and do not notify again.
func (s *Store) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	abs, err := filepath.Abs(s.opts.Path)
	if err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go s.watchLoop(ctx, fsw, abs)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, path string) {
	defer fsw.Close()

	var pending <-chan time.Time
	timer := time.NewTimer(WatchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(WatchDebounce)
			pending = timer.C

		case <-pending:
			pending = nil
			if _, err := os.Stat(path); err != nil {
				continue
			}
			t, err := s.Reload()
			if err != nil {
				s.logger.Warn("reload mappings failed, keeping previous table", "error", err)
				continue
			}
			s.logger.Debug("mappings file changed", "count", t.Len())

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("mappings watcher error", "error", err)
		}
	}
}
