// Completion: 100% - Platform-specific module complete
//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileWatcher reports changes to listing files through inotify
type FileWatcher struct {
	fd       int
	watchMap map[int]string
	mu       sync.Mutex
	debounce *debouncer
}

func NewFileWatcher(onChange func(string)) (*FileWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init failed: %v", err)
	}

	return &FileWatcher{
		fd:       fd,
		watchMap: make(map[int]string),
		debounce: newDebouncer(onChange),
	}, nil
}

func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// IN_ATTRIB also fires for editors that touch the file after a rename save
	wd, err := unix.InotifyAddWatch(fw.fd, absPath, unix.IN_MODIFY|unix.IN_CLOSE_WRITE|unix.IN_ATTRIB)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %v", absPath, err)
	}

	fw.mu.Lock()
	fw.watchMap[wd] = absPath
	fw.mu.Unlock()

	return nil
}

// Watch delivers change callbacks until ctx is done
func (fw *FileWatcher) Watch(ctx context.Context) {
	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*4)

	for ctx.Err() == nil {
		n, err := unix.Read(fw.fd, buf)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				logger.Warn().Err(err).Msg("reading inotify events")
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)

			if event.Mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE|unix.IN_ATTRIB) == 0 {
				continue
			}
			fw.mu.Lock()
			path := fw.watchMap[int(event.Wd)]
			fw.mu.Unlock()
			if path != "" {
				fw.debounce.trigger(path)
			}
		}
	}
}

func (fw *FileWatcher) Close() error {
	fw.debounce.stop()
	return unix.Close(fw.fd)
}
