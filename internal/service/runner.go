package service

import (
	"context"
	"time"
)

// ShutdownTimeout is the maximum time allowed for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// Runner defines the interface for a runnable service.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader defines the interface for a service that supports config reload.
type Reloader interface {
	ReloadConfig() error
}

// Run executes the service until it is told to stop.
// On Windows, it detects if running as a service and uses SCM.
// On other platforms (or interactive mode), it handles signals.
func Run(name string, runner Runner) error {
	return run(name, runner)
}

// reload asks runner to reload its configuration if it can.
func reload(runner Runner) {
	logger := serviceLogger()
	reloader, ok := runner.(Reloader)
	if !ok {
		logger.Info("reload requested but service does not support reload")
		return
	}
	if err := reloader.ReloadConfig(); err != nil {
		logger.Error("config reload failed", "error", err)
	}
}

func stop(runner Runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return runner.Stop(ctx)
}
