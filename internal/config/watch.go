package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each configuration
// that loads and validates to onChange. The directory is watched rather
// than the file so editors that replace the file by rename are seen.
// Watching stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	name := filepath.Clean(path)

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(watchDebounce)
				}
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload %s failed: %v", filepath.Base(path), err)
					continue
				}
				if err := ApplyEnv(&cfg); err != nil {
					log.Printf("CONFIG: reload %s: %v", filepath.Base(path), err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", filepath.Base(path))
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()
	return nil
}
