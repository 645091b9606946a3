//go:build windows
// +build windows

package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWatcher polls listing files for a newer modification time
type FileWatcher struct {
	watchMap map[string]time.Time
	mu       sync.Mutex
	debounce *debouncer
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	return &FileWatcher{
		watchMap: make(map[string]time.Time),
		debounce: newDebouncer(onChange),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	var mod time.Time
	if info, err := os.Stat(absPath); err == nil {
		mod = info.ModTime()
	}

	fw.mu.Lock()
	fw.watchMap[absPath] = mod
	fw.mu.Unlock()

	return nil
}

// Watch delivers change callbacks until ctx is done
func (fw *FileWatcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.checkFiles()
		case <-ctx.Done():
			return
		}
	}
}

func (fw *FileWatcher) checkFiles() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for path, lastMod := range fw.watchMap {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod) {
			fw.watchMap[path] = info.ModTime()
			fw.debounce.trigger(path)
		}
	}
}

func (fw *FileWatcher) Close() error {
	fw.debounce.stop()
	return nil
}
