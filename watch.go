package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

const debounceDelay = 100 * time.Millisecond

// debouncer collapses a burst of change events on a path into one callback
type debouncer struct {
	onChange func(string)
	mu       sync.Mutex
	timers   map[string]*time.Timer
}

func newDebouncer(onChange func(string)) *debouncer {
	return &debouncer{onChange: onChange, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(debounceDelay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.onChange(path)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}

// watchAndRerun runs once, then again whenever the listing changes or
// SIGUSR1 arrives, until ctx is done. Runs never overlap.
func watchAndRerun(ctx context.Context, sourceFile string, run func() error) error {
	absPath, err := filepath.Abs(sourceFile)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	rerun := func(trigger string) {
		mu.Lock()
		defer mu.Unlock()
		logger.Info().Str("trigger", trigger).Msg("re-encoding")
		if err := run(); err != nil {
			logger.Error().Err(err).Msg("encoding failed")
		}
	}

	rerun("initial run")

	setupReloadSignal(ctx, rerun)

	watcher, err := NewFileWatcher(func(path string) {
		rerun(fmt.Sprintf("file changed: %s", filepath.Base(path)))
	})
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %v", err)
	}
	defer watcher.Close()

	if err := watcher.AddFile(absPath); err != nil {
		return fmt.Errorf("failed to watch file: %v", err)
	}
	logger.Info().Str("file", absPath).Msg("watching, press Ctrl+C to stop")

	watcher.Watch(ctx)
	return nil
}
