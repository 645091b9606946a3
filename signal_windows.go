//go:build windows
// +build windows

package main

import "context"

// setupReloadSignal is a no-op; Windows has no SIGUSR1
func setupReloadSignal(ctx context.Context, rerun func(string)) {}
