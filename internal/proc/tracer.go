package proc

import (
	"context"
	"log/slog"
	"runtime"
)

// TraceExecutor runs commands under ptrace and reports every open, openat,
// openat2 and creat made by the command or any of its descendants.
type TraceExecutor struct {
	cfg Config
}

// NewTraceExecutor creates a TraceExecutor. Use New to get a fallback on
// platforms without tracing support.
func NewTraceExecutor(cfg Config) *TraceExecutor {
	return &TraceExecutor{cfg: cfg.withDefaults()}
}

// Run executes command and blocks until it and every traced descendant have
// exited. obs may be nil.
func (e *TraceExecutor) Run(ctx context.Context, command string, obs Observer) error {
	if obs == nil {
		obs = nopObserver{}
	}
	e.cfg.Logger.Debug("running traced command", slog.String("command", command))

	// ptrace requests must come from the thread that attached. The goroutine
	// exits with the thread still locked so the runtime retires it.
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		done <- e.trace(ctx, command, obs)
	}()
	return <-done
}

type nopObserver struct{}

func (nopObserver) Enter(string)      {}
func (nopObserver) Exit(string, bool) {}
