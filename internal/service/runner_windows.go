//go:build windows

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/rennerdo30/tunnelctl/internal/logging"
)

func serviceLogger() *slog.Logger { return logging.WithComponent("service") }

func run(name string, runner Runner) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		serviceLogger().Warn("failed to detect if running as Windows Service, assuming interactive", "error", err)
		return runInteractive(name, runner)
	}

	if isService {
		return svc.Run(name, &serviceHandler{runner: runner})
	}

	return runInteractive(name, runner)
}

func runInteractive(name string, runner Runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	sig := <-sigChan
	serviceLogger().Info("received shutdown signal", "service", name, "signal", sig.String())
	cancel()
	return stop(runner)
}

type serviceHandler struct {
	runner Runner
}

// Execute runs the service under the SCM. A parameter change request
// reloads the configuration.
func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange
	logger := serviceLogger()

	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		return true, 1
	}

	s <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			s <- c.CurrentStatus
		case svc.ParamChange:
			logger.Info("parameter change requested, reloading configuration")
			reload(h.runner)
			s <- c.CurrentStatus
		case svc.Stop, svc.Shutdown:
			logger.Info("service stopping")
			s <- svc.Status{State: svc.StopPending}
			cancel()
			if err := stop(h.runner); err != nil {
				logger.Error("error stopping service", "error", err)
			}
			return false, 0
		default:
			logger.Warn("unexpected service control request", "cmd", uint32(c.Cmd))
		}
	}

	return false, 0
}
