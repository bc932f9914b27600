//go:build !windows

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rennerdo30/tunnelctl/internal/logging"
)

func serviceLogger() *slog.Logger { return logging.WithComponent("service") }

func run(name string, runner Runner) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	return serve(name, runner, sigChan)
}

// serve starts runner and handles signals until SIGINT or SIGTERM.
func serve(name string, runner Runner, sigChan <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := serviceLogger().With("service", name)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reload(runner)
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
			return stop(runner)
		}
	}
	cancel()
	return stop(runner)
}
