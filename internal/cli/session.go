package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"autodep/internal/build"
	"autodep/internal/buildfile"
	"autodep/internal/config"
	"autodep/internal/core"
	"autodep/internal/logging"
	"autodep/internal/proc"
	"autodep/internal/rules"
	badgerstore "autodep/internal/storage/badger"
	"autodep/internal/trace"
)

// session holds everything one invocation wires together.
type session struct {
	inv      Invocation
	cfg      config.Config
	runID    string
	logger   *slog.Logger
	reg      *rules.Registry
	store    core.DepStore
	orch     *build.Orchestrator
	recorder *trace.Recorder
	metrics  *prometheus.Registry
}

func openSession(inv Invocation, stdout, stderr io.Writer) (*session, error) {
	cfg, err := inv.settings()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, invalidInvocationf("%v", err)
	}
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	path := inv.BuildFile
	if path == "" {
		if path, err = buildfile.Find(inv.WorkDir); err != nil {
			return nil, configError(err)
		}
	}
	reg, err := buildfile.LoadRegistry(path)
	if err != nil {
		return nil, configError(err)
	}

	shell, err := proc.ParseShell(cfg.Shell)
	if err != nil {
		return nil, configError(err)
	}
	exec, err := proc.New(proc.Config{
		Dir:    inv.WorkDir,
		Shell:  shell,
		Env:    cfg.Environ(),
		Stdout: stdout,
		Stderr: stderr,
		Logger: logger,
	}, cfg.Tracer)
	if err != nil {
		return nil, configError(err)
	}

	store, err := openStore(cfg, inv.WorkDir, logger)
	if err != nil {
		return nil, internalError(err)
	}

	s := &session{
		inv:      inv,
		cfg:      cfg,
		runID:    runID,
		logger:   logger,
		reg:      reg,
		store:    store,
		recorder: trace.NewRecorder(),
		metrics:  prometheus.NewRegistry(),
	}
	s.orch, err = build.New(build.Options{
		Registry:       reg,
		Store:          store,
		Executor:       exec,
		WorkDir:        inv.WorkDir,
		IgnorePrefixes: s.ignorePrefixes(),
		Echo:           stdout,
		Logger:         logger,
		Trace:          s.recorder,
		Metrics:        build.NewMetrics(s.metrics),
	})
	if err != nil {
		_ = store.Close()
		return nil, internalError(err)
	}
	logger.Debug("session ready",
		slog.String("build_file", path),
		slog.String("backend", cfg.Store.Backend),
		slog.String("tracer", cfg.Tracer),
		slog.Int("rules", reg.Len()))
	return s, nil
}

func openStore(cfg config.Config, workDir string, logger *slog.Logger) (core.DepStore, error) {
	path := cfg.StorePath(workDir)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return core.NewMemoryStore(), nil
	case config.BackendFile:
		return core.NewFileStore(path)
	case config.BackendBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:       path,
			SyncWrites: cfg.Store.SyncWrites,
			Logger:     logger.With(slog.String("component", "badger")),
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// ignorePrefixes are the configured prefixes plus the store's own files,
// which must never become dependencies.
func (s *session) ignorePrefixes() []string {
	out := append([]string(nil), s.cfg.IgnorePrefixes...)
	if s.cfg.Store.Backend != config.BackendMemory {
		out = append(out, s.cfg.StorePath(s.inv.WorkDir))
	}
	return out
}

// outputs are files the session itself writes under the work directory.
func (s *session) outputs() []string {
	var out []string
	if s.cfg.Store.Backend != config.BackendMemory {
		out = append(out, s.cfg.StorePath(s.inv.WorkDir))
	}
	for _, p := range []string{s.inv.TracePath, s.inv.MetricsPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *session) Close() error {
	return s.store.Close()
}

// goals returns targets, or the targets of the first rule when none are
// given.
func (s *session) goals(targets []string) ([]string, error) {
	if len(targets) > 0 {
		return targets, nil
	}
	goals, err := s.reg.DefaultTargets()
	if err != nil {
		return nil, configError(err)
	}
	if len(goals) == 0 {
		return nil, configError(fmt.Errorf("%w: the build file defines no rules", rules.ErrNoDefaultTarget))
	}
	return goals, nil
}

// build runs one build of goals and writes the requested reports, also when
// the build fails.
func (s *session) build(ctx context.Context, goals []string) error {
	s.recorder.Reset()
	start := time.Now()
	s.logger.Info("build started", slog.Any("goals", goals))

	buildErr := s.orch.Build(ctx, goals)

	rebuilt, upToDate := 0, 0
	for _, st := range s.orch.States() {
		switch st {
		case build.StateRebuilt:
			rebuilt++
		case build.StateUpToDate:
			upToDate++
		}
	}
	attrs := []any{
		slog.Int("rebuilt", rebuilt),
		slog.Int("up_to_date", upToDate),
		slog.Duration("elapsed", time.Since(start)),
	}
	if buildErr != nil {
		s.logger.Error("build failed", append(attrs, slog.String("error", buildErr.Error()))...)
	} else {
		s.logger.Info("build finished", attrs...)
	}

	if err := s.writeReports(goals); err != nil {
		if buildErr != nil {
			return errors.Join(buildErr, err)
		}
		return internalError(err)
	}
	return buildErr
}

func (s *session) writeReports(goals []string) error {
	if s.inv.TracePath != "" {
		data, err := s.recorder.Trace(goals).CanonicalJSON()
		if err != nil {
			return fmt.Errorf("encode trace: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.inv.TracePath), 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
		if err := writeFileAtomic(s.inv.TracePath, data, 0o644); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
	}
	if s.inv.MetricsPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.inv.MetricsPath), 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
		if err := prometheus.WriteToTextfile(s.inv.MetricsPath, s.metrics); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
