// Package proc runs rule commands and reports the files they open.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/shlex"
)

// Observer receives the file accesses of a running command.
//
// Enter is called before an open-like system call with the absolute path
// about to be accessed. Exit is called once the call returns and reports
// whether it succeeded. Calls arrive sequentially.
type Observer interface {
	Enter(path string)
	Exit(path string, ok bool)
}

// Executor runs a single command line to completion.
type Executor interface {
	Run(ctx context.Context, command string, obs Observer) error
}

// Tracer modes accepted by New.
const (
	ModeAuto   = "auto"
	ModePtrace = "ptrace"
	ModeNone   = "none"
)

// DefaultShell is the command prefix used when Config.Shell is empty.
var DefaultShell = []string{"/bin/sh", "-c"}

// ErrTracingUnsupported means file access tracing is not available on this
// platform or in this environment.
var ErrTracingUnsupported = errors.New("file access tracing unsupported")

// CommandError reports a command that ran and did not succeed.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

// Config holds what every executor needs to spawn a command.
type Config struct {
	// Dir is the working directory of spawned commands.
	Dir string

	// Shell is the argv prefix the command line is appended to.
	Shell []string

	// Env is appended to the inherited environment.
	Env []string

	// Stdout and Stderr receive command output. Nil means the process's own.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// ParseShell splits a shell prefix such as "/bin/bash -eu -c" into argv.
func ParseShell(s string) ([]string, error) {
	argv, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse shell %q: %w", s, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse shell %q: empty", s)
	}
	return argv, nil
}

func (c Config) withDefaults() Config {
	if len(c.Shell) == 0 {
		c.Shell = DefaultShell
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// command builds the process for line. Each command gets its own process
// group so cancellation can kill the whole tree.
func (c Config) command(line string) *exec.Cmd {
	argv := append(append([]string{}, c.Shell...), line)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// New returns the executor for mode.
//
// ModeAuto traces when the platform and environment allow it and otherwise
// falls back to running commands unobserved.
func New(cfg Config, mode string) (Executor, error) {
	cfg = cfg.withDefaults()
	switch mode {
	case ModeNone:
		return NewShellExecutor(cfg), nil
	case ModePtrace:
		if err := tracingAvailable(); err != nil {
			return nil, err
		}
		return NewTraceExecutor(cfg), nil
	case ModeAuto, "":
		if err := tracingAvailable(); err != nil {
			cfg.Logger.Warn("dependency discovery disabled; only declared dependencies are recorded",
				slog.String("reason", err.Error()))
			return NewShellExecutor(cfg), nil
		}
		return NewTraceExecutor(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tracer mode %q", mode)
	}
}

var (
	probeOnce sync.Once
	probeErr  error
)

// tracingAvailable runs one traced no-op command and caches the outcome.
func tracingAvailable() error {
	probeOnce.Do(func() {
		if !traceSupported {
			probeErr = ErrTracingUnsupported
			return
		}
		cfg := Config{Stdout: io.Discard, Stderr: io.Discard}.withDefaults()
		if err := NewTraceExecutor(cfg).Run(context.Background(), "exit 0", nil); err != nil {
			probeErr = fmt.Errorf("%w: %v", ErrTracingUnsupported, err)
		}
	})
	return probeErr
}
