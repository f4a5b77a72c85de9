package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
)

// ShellExecutor runs commands without observing file accesses.
type ShellExecutor struct {
	cfg Config
}

// NewShellExecutor creates a ShellExecutor.
func NewShellExecutor(cfg Config) *ShellExecutor {
	return &ShellExecutor{cfg: cfg.withDefaults()}
}

// Run executes command through the configured shell. obs is never called.
func (e *ShellExecutor) Run(ctx context.Context, command string, _ Observer) error {
	cmd := e.cfg.command(command)
	cmd.Stdout = e.cfg.Stdout
	cmd.Stderr = e.cfg.Stderr

	e.cfg.Logger.Debug("running command", slog.String("command", command))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return fmt.Errorf("command cancelled: %w", ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{Command: command, ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}
