// Package build decides which targets are out of date and rebuilds them.
package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autodep/internal/core"
	"autodep/internal/match"
	"autodep/internal/proc"
	"autodep/internal/rules"
	"autodep/internal/trace"
	"autodep/internal/tracker"
)

// Options configures an Orchestrator. Registry, Store and Executor are
// required.
type Options struct {
	Registry *rules.Registry
	Store    core.DepStore
	Executor proc.Executor

	// WorkDir is the directory relative targets and dependencies live in.
	WorkDir string

	// IgnorePrefixes are passed to every dependency tracker.
	IgnorePrefixes []string

	// Probe defaults to OSProbe{Root: WorkDir}.
	Probe Probe

	// Echo receives each command line before it runs. A line starting with
	// '@' runs without the '@' and is not echoed.
	Echo io.Writer

	Logger  *slog.Logger
	Trace   trace.Sink
	Metrics *Metrics
}

// Orchestrator owns the state of build runs: the rules, the dependency store
// handle and the build-run cache.
type Orchestrator struct {
	reg      *rules.Registry
	store    core.DepStore
	exec     proc.Executor
	probe    Probe
	hasher   *core.RuleHasher
	workDir  string
	ignore   []string
	echo     io.Writer
	logger   *slog.Logger
	sink     trace.Sink
	metrics  *Metrics
	cache    *runCache
	runMutex sync.Mutex
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("nil registry")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("nil dependency store")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("nil executor")
	}
	o := &Orchestrator{
		reg:     opts.Registry,
		store:   opts.Store,
		exec:    opts.Executor,
		probe:   opts.Probe,
		hasher:  core.NewRuleHasher(),
		workDir: opts.WorkDir,
		ignore:  opts.IgnorePrefixes,
		echo:    opts.Echo,
		logger:  opts.Logger,
		sink:    opts.Trace,
		metrics: opts.Metrics,
		cache:   newRunCache(),
	}
	if o.probe == nil {
		o.probe = OSProbe{Root: opts.WorkDir}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.sink == nil {
		o.sink = trace.NopSink{}
	}
	return o, nil
}

// Build runs one build invocation: the run cache is cleared and each target
// is brought up to date in order. The first failure aborts the run.
//
// A requested target no rule produces is accepted when the file exists;
// otherwise the build fails with rules.ErrNoRule.
func (o *Orchestrator) Build(ctx context.Context, targets []string) error {
	o.runMutex.Lock()
	defer o.runMutex.Unlock()
	o.cache.reset()

	for _, target := range targets {
		if !o.reg.CanBeBuilt(target, o.exists) {
			// Find reports why: no rule, or more than one.
			_, err := o.reg.Find(target)
			return failure(target, err)
		}
		if _, err := o.Execute(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// States returns the run-cache state of every target attempted in the
// current run.
func (o *Orchestrator) States() map[string]TargetState {
	return o.cache.snapshot()
}

// Execute brings target up to date and reports whether its commands ran.
//
// A target already attempted in the current run returns false immediately,
// which also breaks dependency cycles.
func (o *Orchestrator) Execute(ctx context.Context, target string) (bool, error) {
	if !o.cache.claim(target) {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, o.fail(target, err)
	}

	res, found, err := o.reg.Lookup(target)
	if err != nil {
		return false, o.fail(target, err)
	}
	if !found {
		o.logger.Debug("no rule, nothing to do", slog.String("target", target))
		o.settle(target, StateUpToDate)
		return false, nil
	}
	log := o.logger.With(slog.String("target", target))
	tr := tracker.New(o.workDir, o.ignore)

	declared, err := o.declaredDeps(ctx, res, tr)
	if err != nil {
		return false, o.fail(target, err)
	}

	if res.Rule.Inert() {
		o.settle(target, StateUpToDate)
		return false, nil
	}

	info, hasTime := o.probe.Stat(target)
	targetTime := info.ModTime
	fp := o.hasher.Compute(res.Rule, target)

	stale, err := o.isStale(ctx, target, fp, declared, targetTime, hasTime)
	if err != nil {
		return false, o.fail(target, err)
	}
	if !stale {
		log.Debug("up to date", slog.String("fingerprint", fp.String()))
		o.settle(target, StateUpToDate)
		trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventUpToDate, Target: target})
		return false, nil
	}

	if err := o.rebuild(ctx, log, res, target, fp, declared, tr); err != nil {
		return false, o.fail(target, err)
	}
	return true, nil
}

// isStale evaluates the stored dependency records of fp. Every record is
// checked, so buildable dependencies are brought up to date even once
// staleness is already known.
func (o *Orchestrator) isStale(ctx context.Context, target string, fp core.Fingerprint, declared []core.DepRecord, targetTime time.Time, hasTime bool) (bool, error) {
	records, found, err := o.store.Retrieve(fp)
	if err != nil {
		return false, err
	}
	if !found {
		o.logger.Debug("dependencies unknown, must build", slog.String("target", target))
		trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventDepsUnknown, Target: target})
		return true, nil
	}

	stale := false
	recorded := core.NewDepSet()
	for _, rec := range records {
		recorded.Add(rec)
		reason, err := o.checkDep(ctx, rec, targetTime, hasTime)
		if err != nil {
			return false, err
		}
		if reason == "" {
			continue
		}
		stale = true
		o.staleDep(target, rec.Path, reason)
	}
	for _, d := range declared {
		if !recorded.Has(d.Path) {
			stale = true
			o.staleDep(target, d.Path, trace.ReasonDeclared)
		}
	}
	if !hasTime && !stale {
		stale = true
		o.staleDep(target, target, trace.ReasonMissing)
	}
	return stale, nil
}

func (o *Orchestrator) staleDep(target, dep, reason string) {
	o.logger.Debug("dependency stale",
		slog.String("target", target), slog.String("dependency", dep), slog.String("reason", reason))
	o.metrics.staleDep(reason)
	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventDepStale, Target: target, Reason: reason, Cause: dep})
}

// checkDep decides whether one recorded dependency makes its target stale
// and returns the reason, or "" when it does not.
//
// A dependency some rule produces is built first; it is stale if that rebuilt
// it, if it is missing afterwards or if it is newer than the target. Any
// other dependency is stale if it appeared or vanished since it was recorded,
// or if it exists and is newer than the target. Directory timestamps are
// never compared, and a target with no time is older than everything.
func (o *Orchestrator) checkDep(ctx context.Context, dep core.DepRecord, targetTime time.Time, hasTime bool) (string, error) {
	buildable, err := o.buildable(dep.Path)
	if err != nil {
		return "", err
	}

	newer := func(fi FileInfo) bool {
		return !fi.IsDir && (!hasTime || fi.ModTime.After(targetTime))
	}

	if buildable {
		rebuilt, err := o.Execute(ctx, dep.Path)
		if err != nil {
			return "", err
		}
		if rebuilt {
			return trace.ReasonRebuilt, nil
		}
		fi, ok := o.probe.Stat(dep.Path)
		switch {
		case !ok:
			return trace.ReasonMissing, nil
		case newer(fi):
			return trace.ReasonNewer, nil
		}
		return "", nil
	}

	fi, exists := o.probe.Stat(dep.Path)
	switch {
	case exists && !dep.Existed:
		return trace.ReasonAppeared, nil
	case !exists && dep.Existed:
		return trace.ReasonVanished, nil
	case exists && newer(fi):
		return trace.ReasonNewer, nil
	}
	return "", nil
}

// declaredDeps expands the rule's declared dependencies, builds the ones a
// rule produces and returns their records as they stand afterwards.
func (o *Orchestrator) declaredDeps(ctx context.Context, res rules.Resolution, tr *tracker.Tracker) ([]core.DepRecord, error) {
	if len(res.Rule.Deps) == 0 {
		return nil, nil
	}
	set := core.NewDepSet()
	for _, pattern := range res.Rule.Deps {
		dep, err := match.Expand(pattern, res.Capture)
		if err != nil {
			return nil, err
		}
		path, keep := tr.Normalize(dep)
		if !keep {
			continue
		}
		buildable, err := o.buildable(path)
		if err != nil {
			return nil, err
		}
		if buildable {
			if _, err := o.Execute(ctx, path); err != nil {
				return nil, err
			}
		}
		_, exists := o.probe.Stat(path)
		set.Add(core.DepRecord{Path: path, Existed: exists})
	}
	return set.Records(), nil
}

// rebuild runs the rule's commands under a tracker and commits what was
// observed. Nothing is committed unless every command succeeds.
func (o *Orchestrator) rebuild(ctx context.Context, log *slog.Logger, res rules.Resolution, target string, fp core.Fingerprint, declared []core.DepRecord, tr *tracker.Tracker) error {
	log.Info("building", slog.String("rule", res.Rule.String()))
	if err := o.store.Clear(fp); err != nil {
		return err
	}

	for _, d := range declared {
		tr.Declare(d.Path, d.Existed)
	}

	obs := &observer{o: o, ctx: ctx, tracker: tr}
	for _, command := range res.Rule.Commands {
		line, err := match.Expand(command, res.Capture)
		if err != nil {
			return err
		}
		line, quiet := strings.CutPrefix(line, "@")
		if !quiet && o.echo != nil {
			fmt.Fprintln(o.echo, line)
		}
		log.Debug("running", slog.String("command", line))
		start := time.Now()
		err = o.exec.Run(ctx, line, obs)
		o.metrics.command(time.Since(start))
		if obs.err != nil {
			return obs.err
		}
		if err != nil {
			return err
		}
	}

	records := tr.Records()
	if err := o.store.Commit(fp, records); err != nil {
		return err
	}
	tr.Reset()

	paths := make([]string, len(records))
	for i, r := range records {
		paths[i] = r.Path
	}
	o.settle(target, StateRebuilt)
	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventRebuilt, Target: target, Deps: paths})
	log.Debug("recorded dependencies", slog.Int("count", len(records)), slog.String("fingerprint", fp.String()))
	return nil
}

// buildable reports whether a rule produces path. Only paths inside the work
// directory, which the tracker records relative, are matched against rules;
// absolute paths such as system headers and libraries are plain sources.
func (o *Orchestrator) buildable(path string) (bool, error) {
	if filepath.IsAbs(path) {
		return false, nil
	}
	_, found, err := o.reg.Lookup(path)
	return found, err
}

func (o *Orchestrator) exists(path string) bool {
	_, ok := o.probe.Stat(path)
	return ok
}

func (o *Orchestrator) settle(target string, to TargetState) {
	if err := o.cache.resolve(target, to); err != nil {
		o.logger.Error("run cache", slog.String("error", err.Error()))
		return
	}
	o.metrics.target(to)
}

func (o *Orchestrator) fail(target string, err error) error {
	if o.cache.state(target) == StateInProgress {
		o.settle(target, StateFailed)
	}
	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventFailed, Target: target})
	return failure(target, err)
}

// observer feeds a rule's file accesses to its tracker and builds files some
// rule produces just before a command opens them.
type observer struct {
	o       *Orchestrator
	ctx     context.Context
	tracker *tracker.Tracker

	// err holds the first failure of an on-demand build. It cannot abort the
	// traced call, so it is reported once the command finishes.
	err error
}

func (ob *observer) Enter(path string) {
	if rel, keep := ob.tracker.Normalize(path); keep && ob.err == nil {
		ob.buildOnDemand(rel)
	}
	ob.tracker.Enter(path)
}

func (ob *observer) Exit(path string, ok bool) {
	ob.tracker.Exit(path, ok)
}

func (ob *observer) buildOnDemand(path string) {
	o := ob.o
	if o.cache.state(path) != StateUntouched {
		return
	}
	buildable, err := o.buildable(path)
	if err != nil {
		ob.err = failure(path, err)
		return
	}
	if !buildable {
		return
	}
	rebuilt, err := o.Execute(ob.ctx, path)
	if err != nil {
		ob.err = err
		return
	}
	if rebuilt {
		trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventBuiltOnDemand, Target: path})
	}
}

// Fingerprint resolves target and returns the key its dependencies are
// stored under.
func (o *Orchestrator) Fingerprint(target string) (core.Fingerprint, rules.Resolution, error) {
	res, err := o.reg.Find(target)
	if err != nil {
		return core.Fingerprint{}, rules.Resolution{}, err
	}
	return o.hasher.Compute(res.Rule, target), res, nil
}

// Dependencies returns the records stored for target's current fingerprint.
func (o *Orchestrator) Dependencies(target string) ([]core.DepRecord, bool, error) {
	fp, _, err := o.Fingerprint(target)
	if err != nil {
		return nil, false, err
	}
	return o.store.Retrieve(fp)
}

// Forget drops the stored records for target so its next build is
// unconditional.
func (o *Orchestrator) Forget(target string) error {
	fp, _, err := o.Fingerprint(target)
	if err != nil {
		return err
	}
	return o.store.Clear(fp)
}
