//go:build !windows

package main

import (
	"context"
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1}
}

// handlePlatformSignal handles platform-specific signals, returns true if should continue loop
func handlePlatformSignal(sig os.Signal, app *App) bool {
	switch sig {
	case syscall.SIGHUP:
		app.Logger.Info("reload signal received")
		app.reloadConfig()
		return true // continue loop
	case syscall.SIGUSR1:
		qs := app.Engine.Status()
		app.Logger.Info("queue stats",
			"pending", qs.Count,
			"online", qs.Online,
			"syncing", qs.Syncing,
			"mutations", app.Replay.Pending(),
			"deadLetters", len(app.Engine.DeadLetters(context.Background())),
		)
		return true // continue loop
	}
	return false // don't continue, proceed to shutdown
}
