package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autodep/internal/build"
	"autodep/internal/config"
	"autodep/internal/proc"
	"autodep/internal/rules"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the canonical description of one run. WorkDir is absolute
// and every other path is resolved against it.
type Invocation struct {
	WorkDir     string
	BuildFile   string
	TracePath   string
	MetricsPath string

	// Overrides of the settings file. Empty means unset.
	StorePath string
	Backend   string
	Tracer    string
	LogLevel  string
	LogFormat string
}

// InvocationError carries the exit code a failure maps to.
type InvocationError struct {
	ExitCode int
	Message  string
	Cause    error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Cause }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: err.Error(), Cause: err}
}

func internalError(err error) error {
	return &InvocationError{ExitCode: ExitInternalError, Message: err.Error(), Cause: err}
}

// canonicalize resolves WorkDir and every path flag.
func (inv Invocation) canonicalize() (Invocation, error) {
	if strings.TrimSpace(inv.WorkDir) == "" {
		inv.WorkDir = "."
	}
	abs, err := filepath.Abs(inv.WorkDir)
	if err != nil {
		return inv, invalidInvocationf("resolve --workdir: %v", err)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return inv, invalidInvocationf("--workdir %q is not a directory", inv.WorkDir)
	}
	// Traced paths come back physical, so the work directory must be too.
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return inv, invalidInvocationf("resolve --workdir: %v", err)
	}
	inv.WorkDir = abs

	for _, p := range []*string{&inv.BuildFile, &inv.TracePath, &inv.MetricsPath, &inv.StorePath} {
		if *p == "" {
			continue
		}
		if *p, err = resolveUnderWorkDir(inv.WorkDir, *p); err != nil {
			return inv, err
		}
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Join(workDir, clean), nil
}

// settings loads the settings file of WorkDir and applies the flag
// overrides.
func (inv Invocation) settings() (config.Config, error) {
	cfg, err := config.Load(inv.WorkDir)
	if err != nil {
		return cfg, configError(err)
	}
	if inv.StorePath != "" {
		cfg.Store.Path = inv.StorePath
	}
	if inv.Backend != "" {
		cfg.Store.Backend = inv.Backend
	}
	if inv.Tracer != "" {
		cfg.Tracer = inv.Tracer
	}
	if inv.LogLevel != "" {
		cfg.Log.Level = inv.LogLevel
	}
	if inv.LogFormat != "" {
		cfg.Log.Format = inv.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error(), Cause: err}
	}
	return cfg, nil
}

// ExitCode maps an error returned by Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, rules.ErrNoDefaultTarget) {
		return ExitConfigError
	}
	var be *build.BuildError
	var ce *proc.CommandError
	switch {
	case errors.As(err, &be), errors.As(err, &ce),
		errors.Is(err, rules.ErrNoRule), errors.Is(err, rules.ErrAmbiguousRule),
		errors.Is(err, context.Canceled):
		return ExitBuildFailure
	}
	return ExitInternalError
}
