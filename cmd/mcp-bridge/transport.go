package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
	"github.com/MegaGrindStone/mcp-bridge/config"
)

const childExitTimeout = 3 * time.Second

// newTransport returns the transport to the configured provider, and a release func that must be
// called once the session is closed. For stdio, the provider is started as a child process here.
func newTransport(cfg *config.Config, logger *slog.Logger) (mcp.ClientTransport, func(), error) {
	switch cfg.Provider.Transport {
	case config.TransportSSE:
		// No client timeout, the event stream stays open for the whole session.
		transport := mcp.NewSSEClient(cfg.Provider.URL, &http.Client{}, mcp.WithSSEClientLogger(logger))
		return transport, func() {}, nil
	case config.TransportStdIO:
		return startChild(cfg.Provider, logger)
	default:
		return nil, nil, fmt.Errorf("unknown provider transport %q", cfg.Provider.Transport)
	}
}

func startChild(cfg config.ProviderConfig, logger *slog.Logger) (mcp.ClientTransport, func(), error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open provider stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open provider stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to start %s: %w", bridge.ErrUnreachableProvider, cfg.Command, err)
	}
	logger.Info("provider started", slog.String("command", cfg.Command), slog.Int("pid", cmd.Process.Pid))

	release := func() {
		// Closing stdin is the stdio transport's shutdown signal. Wait runs only now, since it closes
		// stdout, which the session reads until it is closed.
		_ = stdin.Close()

		exited := make(chan error, 1)
		go func() {
			exited <- cmd.Wait()
		}()

		select {
		case err := <-exited:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				logger.Warn("provider wait failed", slog.String("err", err.Error()))
			}
		case <-time.After(childExitTimeout):
			logger.Warn("provider did not exit, killing it", slog.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	return mcp.NewStdIO(stdout, stdin, mcp.WithStdIOLogger(logger)), release, nil
}
