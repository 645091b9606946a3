//go:build !windows
// +build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupReloadSignal calls rerun for every SIGUSR1 until ctx is done
func setupReloadSignal(ctx context.Context, rerun func(string)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-sigChan:
				rerun("manual reload (SIGUSR1)")
			case <-ctx.Done():
				return
			}
		}
	}()
}
