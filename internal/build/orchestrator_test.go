package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodep/internal/core"
	"autodep/internal/proc"
	"autodep/internal/rules"
	"autodep/internal/trace"
)

// scriptExecutor stands in for a traced shell: each command line maps to a
// Go function that touches files and reports accesses like the tracer would.
type scriptExecutor struct {
	mu      sync.Mutex
	scripts map[string]func(obs proc.Observer) error
	ran     []string
}

func (e *scriptExecutor) Run(_ context.Context, command string, obs proc.Observer) error {
	e.mu.Lock()
	e.ran = append(e.ran, command)
	script, ok := e.scripts[command]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no script for %q", command)
	}
	return script(obs)
}

func (e *scriptExecutor) runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func (e *scriptExecutor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ran = nil
}

type fixture struct {
	t       *testing.T
	dir     string
	reg     *rules.Registry
	store   *core.MemoryStore
	exec    *scriptExecutor
	rec     *trace.Recorder
	metrics *prometheus.Registry
}

func newFixture(t *testing.T, rs ...*core.Rule) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		t:     t,
		dir:   dir,
		reg:   rules.NewRegistry(),
		store: core.NewMemoryStore(),
		exec:  &scriptExecutor{scripts: map[string]func(proc.Observer) error{}},
	}
	for _, r := range rs {
		require.NoError(t, f.reg.Register(r))
	}
	return f
}

// invocation returns a fresh orchestrator over the shared store, modelling a
// new process.
func (f *fixture) invocation() *Orchestrator {
	f.t.Helper()
	f.rec = trace.NewRecorder()
	f.metrics = prometheus.NewRegistry()
	o, err := New(Options{
		Registry: f.reg,
		Store:    f.store,
		Executor: f.exec,
		WorkDir:  f.dir,
		Trace:    f.rec,
		Metrics:  NewMetrics(f.metrics),
	})
	require.NoError(f.t, err)
	f.exec.reset()
	return o
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) write(name string, mtime time.Time) {
	f.t.Helper()
	p := f.path(name)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(f.t, os.WriteFile(p, []byte(name), 0o644))
	require.NoError(f.t, os.Chtimes(p, mtime, mtime))
}

func (f *fixture) exists(name string) bool {
	_, err := os.Stat(f.path(name))
	return err == nil
}

// read reports a read of name as the tracer would.
func (f *fixture) read(obs proc.Observer, name string) bool {
	obs.Enter(f.path(name))
	ok := f.exists(name)
	obs.Exit(f.path(name), ok)
	return ok
}

// produce reports a write of name and creates it.
func (f *fixture) produce(obs proc.Observer, name string) {
	obs.Enter(f.path(name))
	f.write(name, time.Now())
	obs.Exit(f.path(name), true)
}

func (f *fixture) script(command string, fn func(obs proc.Observer) error) {
	f.exec.scripts[command] = fn
}

func (f *fixture) fingerprint(r *core.Rule, target string) core.Fingerprint {
	return core.NewRuleHasher().Compute(r, target)
}

var past = time.Now().Add(-time.Hour)

// compileFixture is the single-rule build: out.o is produced from in.c.
func compileFixture(t *testing.T) (*fixture, *core.Rule) {
	r1 := &core.Rule{
		Targets:  []string{"out.o"},
		Deps:     []string{"in.c"},
		Commands: []string{"compile in.c -> out.o"},
	}
	f := newFixture(t, r1)
	f.script("compile in.c -> out.o", func(obs proc.Observer) error {
		if !f.read(obs, "in.c") {
			return &proc.CommandError{Command: "compile", ExitCode: 1}
		}
		f.produce(obs, "out.o")
		return nil
	})
	return f, r1
}

func TestScenarios_CompileLifecycle(t *testing.T) {
	f, r1 := compileFixture(t)
	f.write("in.c", past)
	fp := f.fingerprint(r1, "out.o")

	// A: first build runs the command and records in.c as existing.
	o := f.invocation()
	rebuilt, err := o.Execute(context.Background(), "out.o")
	require.NoError(t, err)
	assert.True(t, rebuilt)
	records, found, err := f.store.Retrieve(fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, records, core.DepRecord{Path: "in.c", Existed: true})
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "autodep_targets_total", "outcome", "rebuilt"))

	// B: nothing changed; a new invocation does no work.
	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"out.o"}))
	assert.Empty(t, f.exec.runs())
	assert.Equal(t, StateUpToDate, o.States()["out.o"])

	// C: a newer source forces a rebuild.
	f.write("in.c", time.Now().Add(time.Hour))
	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"out.o"}))
	assert.Equal(t, []string{"compile in.c -> out.o"}, f.exec.runs())
	assert.Equal(t, StateRebuilt, o.States()["out.o"])

	// D: the source vanished; the rebuild fails and nothing is committed.
	require.NoError(t, os.Remove(f.path("in.c")))
	o = f.invocation()
	err = o.Build(context.Background(), []string{"out.o"})
	require.Error(t, err)

	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "out.o", be.Target)
	var ce *proc.CommandError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, StateFailed, o.States()["out.o"])

	_, found, err = f.store.Retrieve(fp)
	require.NoError(t, err)
	assert.False(t, found, "failed rebuild must not leave a record")
}

// counterValue reads one labelled sample of a counter family from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestExecute_IdempotentWithinRun(t *testing.T) {
	f, _ := compileFixture(t)
	f.write("in.c", past)
	o := f.invocation()

	first, err := o.Execute(context.Background(), "out.o")
	require.NoError(t, err)
	second, err := o.Execute(context.Background(), "out.o")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, f.exec.runs(), 1)
}

// TestExecute_UnknownDependenciesForceRebuild verifies timestamps are not
// consulted when nothing is recorded.
func TestExecute_UnknownDependenciesForceRebuild(t *testing.T) {
	f, _ := compileFixture(t)
	f.write("in.c", past)
	f.write("out.o", time.Now())

	rebuilt, err := f.invocation().Execute(context.Background(), "out.o")
	require.NoError(t, err)
	assert.True(t, rebuilt)

	events := f.rec.Snapshot()
	assert.Contains(t, events, trace.Event{Kind: trace.EventDepsUnknown, Target: "out.o"})
}

func TestExecute_ExistenceFlipTriggersRebuild(t *testing.T) {
	r := &core.Rule{Targets: []string{"app"}, Commands: []string{"link"}}
	f := newFixture(t, r)
	f.script("link", func(obs proc.Observer) error {
		f.read(obs, "config.h")
		f.produce(obs, "app")
		return nil
	})

	o := f.invocation()
	_, err := o.Execute(context.Background(), "app")
	require.NoError(t, err)
	records, _, _ := f.store.Retrieve(f.fingerprint(r, "app"))
	assert.Contains(t, records, core.DepRecord{Path: "config.h", Existed: false})

	// config.h appears with a timestamp older than app.
	f.write("config.h", past)
	o = f.invocation()
	rebuilt, err := o.Execute(context.Background(), "app")
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Contains(t, f.rec.Snapshot(), trace.Event{
		Kind: trace.EventDepStale, Target: "app", Reason: trace.ReasonAppeared, Cause: "config.h",
	})

	// Still absent-then-present matches the new record: no rebuild.
	o = f.invocation()
	rebuilt, err = o.Execute(context.Background(), "app")
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestExecute_DirectoryTimestampsIgnored(t *testing.T) {
	r := &core.Rule{Targets: []string{"listing"}, Commands: []string{"ls src"}}
	f := newFixture(t, r)
	require.NoError(t, os.Mkdir(f.path("src"), 0o755))
	f.script("ls src", func(obs proc.Observer) error {
		f.read(obs, "src")
		f.produce(obs, "listing")
		return nil
	})

	_, err := f.invocation().Execute(context.Background(), "listing")
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(f.path("src"), future, future))

	rebuilt, err := f.invocation().Execute(context.Background(), "listing")
	require.NoError(t, err)
	assert.False(t, rebuilt)

	// Removing the directory is still an existence flip.
	require.NoError(t, os.Remove(f.path("src")))
	rebuilt, err = f.invocation().Execute(context.Background(), "listing")
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

// TestExecute_RebuiltDependencyPropagates verifies a target is rebuilt when a
// generated dependency was rebuilt in the same run.
func TestExecute_RebuiltDependencyPropagates(t *testing.T) {
	obj := &core.Rule{Targets: []string{"*.o"}, Commands: []string{"cc -c {}.c"}}
	prog := &core.Rule{Targets: []string{"prog"}, Commands: []string{"cc -o prog main.o"}}
	f := newFixture(t, prog, obj)
	f.script("cc -c main.c", func(obs proc.Observer) error {
		f.read(obs, "main.c")
		f.produce(obs, "main.o")
		return nil
	})
	f.script("cc -o prog main.o", func(obs proc.Observer) error {
		f.read(obs, "main.o")
		f.produce(obs, "prog")
		return nil
	})
	f.write("main.c", past)

	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"prog"}))
	// main.o is built on demand when the link opens it.
	assert.Equal(t, []string{"cc -o prog main.o", "cc -c main.c"}, f.exec.runs())

	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"prog"}))
	assert.Empty(t, f.exec.runs())

	f.write("main.c", time.Now().Add(time.Hour))
	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"prog"}))
	assert.Equal(t, []string{"cc -c main.c", "cc -o prog main.o"}, f.exec.runs())
	assert.Contains(t, f.rec.Snapshot(), trace.Event{
		Kind: trace.EventDepStale, Target: "prog", Reason: trace.ReasonRebuilt, Cause: "main.o",
	})
}

func TestExecute_WildcardCaptureExpandsCommands(t *testing.T) {
	r := &core.Rule{Targets: []string{"build/*.o"}, Commands: []string{"cc -c src/{}.c -o {@}"}}
	f := newFixture(t, r)
	f.script("cc -c src/util.c -o build/util.o", func(obs proc.Observer) error {
		f.produce(obs, "build/util.o")
		return nil
	})

	rebuilt, err := f.invocation().Execute(context.Background(), "build/util.o")
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

func TestExecute_EchoesCommands(t *testing.T) {
	r := &core.Rule{Targets: []string{"out"}, Commands: []string{"@echo start", "touch {@}"}}
	f := newFixture(t, r)
	f.script("echo start", func(proc.Observer) error { return nil })
	f.script("touch out", func(obs proc.Observer) error {
		f.produce(obs, "out")
		return nil
	})

	var echo strings.Builder
	o, err := New(Options{Registry: f.reg, Store: f.store, Executor: f.exec, WorkDir: f.dir, Echo: &echo})
	require.NoError(t, err)
	require.NoError(t, o.Build(context.Background(), []string{"out"}))

	assert.Equal(t, []string{"echo start", "touch out"}, f.exec.runs())
	assert.Equal(t, "touch out\n", echo.String())
}

func TestExecute_CycleTerminates(t *testing.T) {
	a := &core.Rule{Targets: []string{"a"}, Commands: []string{"make a"}}
	b := &core.Rule{Targets: []string{"b"}, Commands: []string{"make b"}}
	f := newFixture(t, a, b)
	f.script("make a", func(obs proc.Observer) error {
		f.read(obs, "b")
		f.produce(obs, "a")
		return nil
	})
	f.script("make b", func(obs proc.Observer) error {
		f.read(obs, "a")
		f.produce(obs, "b")
		return nil
	})

	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"make a", "make b"}, f.exec.runs())

	// Each member of the cycle is attempted at most once per run.
	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"a", "b"}))
	seen := map[string]bool{}
	for _, cmd := range f.exec.runs() {
		assert.False(t, seen[cmd], "%q ran twice", cmd)
		seen[cmd] = true
	}
}

func TestBuild_AmbiguousDependencyIsFatal(t *testing.T) {
	app := &core.Rule{Targets: []string{"app"}, Commands: []string{"link"}}
	f := newFixture(t, app)
	f.script("link", func(obs proc.Observer) error {
		f.read(obs, "lib.a")
		f.produce(obs, "app")
		return nil
	})
	f.write("lib.a", past)
	require.NoError(t, f.invocation().Build(context.Background(), []string{"app"}))

	// Two rules now claim lib.a.
	require.NoError(t, f.reg.Register(&core.Rule{Targets: []string{"*.a"}, Commands: []string{"ar"}}))
	require.NoError(t, f.reg.Register(&core.Rule{Targets: []string{"lib.*"}, Commands: []string{"ar2"}}))

	err := f.invocation().Build(context.Background(), []string{"app"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rules.ErrAmbiguousRule))
}

func TestBuild_PrimaryTargetWithoutRule(t *testing.T) {
	f := newFixture(t, &core.Rule{Targets: []string{"x"}, Commands: []string{"true"}})
	f.write("README", past)
	o := f.invocation()

	// README lives in the work directory, not the test's working directory.
	require.NoError(t, o.Build(context.Background(), []string{"README"}))

	err := o.Build(context.Background(), []string{"missing.txt"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rules.ErrNoRule))
	assert.Contains(t, err.Error(), "missing.txt")
}

// TestExecute_MissingTargetForcesRebuild verifies a deleted output is
// rebuilt even when every recorded dependency is unchanged.
func TestExecute_MissingTargetForcesRebuild(t *testing.T) {
	r := &core.Rule{Targets: []string{"stamp"}, Commands: []string{"touch stamp"}}
	f := newFixture(t, r)
	f.script("touch stamp", func(obs proc.Observer) error {
		f.read(obs, "optional.cfg")
		f.produce(obs, "stamp")
		return nil
	})
	_, err := f.invocation().Execute(context.Background(), "stamp")
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.path("stamp")))
	rebuilt, err := f.invocation().Execute(context.Background(), "stamp")
	require.NoError(t, err)
	assert.True(t, rebuilt)
}

func TestExecute_NewDeclaredDependencyForcesRebuild(t *testing.T) {
	r := &core.Rule{Targets: []string{"doc.html"}, Commands: []string{"render"}}
	f := newFixture(t, r)
	f.script("render", func(obs proc.Observer) error {
		f.produce(obs, "doc.html")
		return nil
	})
	_, err := f.invocation().Execute(context.Background(), "doc.html")
	require.NoError(t, err)

	// Declared dependencies do not change the fingerprint, so the stored
	// record is found but lacks style.css.
	r.AddDependency("style.css")
	f.write("style.css", past)
	rebuilt, err := f.invocation().Execute(context.Background(), "doc.html")
	require.NoError(t, err)
	assert.True(t, rebuilt)

	records, _, _ := f.store.Retrieve(f.fingerprint(r, "doc.html"))
	assert.Equal(t, core.DepRecord{Path: "style.css", Existed: true}, records[0])
}

func TestExecute_DeclaredDependencyIsBuiltFirst(t *testing.T) {
	gen := &core.Rule{Targets: []string{"*.gen"}, Commands: []string{"generate {}"}}
	use := &core.Rule{Targets: []string{"*.out"}, Deps: []string{"{}.gen"}, Commands: []string{"consume {}"}}
	f := newFixture(t, gen, use)
	f.script("generate x", func(obs proc.Observer) error {
		f.produce(obs, "x.gen")
		return nil
	})
	f.script("consume x", func(obs proc.Observer) error {
		f.produce(obs, "x.out")
		return nil
	})

	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"x.out"}))
	assert.Equal(t, []string{"generate x", "consume x"}, f.exec.runs())
}

func TestExecute_AggregateRuleBuildsDeclaredDeps(t *testing.T) {
	all := &core.Rule{Targets: []string{"all"}, Deps: []string{"a.txt", "b.txt"}}
	txt := &core.Rule{Targets: []string{"*.txt"}, Commands: []string{"echo {} > {@}"}}
	f := newFixture(t, all, txt)
	for _, n := range []string{"a", "b"} {
		name := n
		f.script("echo "+name+" > "+name+".txt", func(obs proc.Observer) error {
			f.produce(obs, name+".txt")
			return nil
		})
	}

	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"all"}))
	assert.Equal(t, []string{"echo a > a.txt", "echo b > b.txt"}, f.exec.runs())
	assert.Equal(t, StateUpToDate, o.States()["all"])
}

// TestExecute_FailedCommandKeepsSiblingRecords verifies work committed before
// a failure is reused by the next invocation.
func TestExecute_FailedCommandKeepsSiblingRecords(t *testing.T) {
	lib := &core.Rule{Targets: []string{"lib.a"}, Commands: []string{"ar lib.a"}}
	app := &core.Rule{Targets: []string{"app"}, Deps: []string{"lib.a"}, Commands: []string{"link app"}}
	f := newFixture(t, app, lib)
	f.script("ar lib.a", func(obs proc.Observer) error {
		f.produce(obs, "lib.a")
		return nil
	})
	f.script("link app", func(proc.Observer) error {
		return &proc.CommandError{Command: "link app", ExitCode: 1}
	})

	err := f.invocation().Build(context.Background(), []string{"app"})
	require.Error(t, err)

	_, found, err := f.store.Retrieve(f.fingerprint(lib, "lib.a"))
	require.NoError(t, err)
	assert.True(t, found)

	_ = f.invocation().Build(context.Background(), []string{"app"})
	assert.Equal(t, []string{"link app"}, f.exec.runs())
}

func TestOrchestrator_FingerprintDependenciesForget(t *testing.T) {
	f, r1 := compileFixture(t)
	f.write("in.c", past)
	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"out.o"}))

	fp, res, err := o.Fingerprint("out.o")
	require.NoError(t, err)
	assert.Equal(t, f.fingerprint(r1, "out.o"), fp)
	assert.Same(t, r1, res.Rule)

	deps, found, err := o.Dependencies("out.o")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, deps)

	require.NoError(t, o.Forget("out.o"))
	_, found, err = o.Dependencies("out.o")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = o.Fingerprint("nope")
	assert.True(t, errors.Is(err, rules.ErrNoRule))
}

func TestBuild_CancelledContext(t *testing.T) {
	f, _ := compileFixture(t)
	f.write("in.c", past)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.invocation().Build(ctx, []string{"out.o"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.exec.runs())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Registry: rules.NewRegistry()})
	assert.Error(t, err)
	_, err = New(Options{Registry: rules.NewRegistry(), Store: core.NewMemoryStore()})
	assert.Error(t, err)
}

// TestExecute_PathsOutsideWorkDirAreSources verifies a wildcard rule is not
// matched against files outside the work directory, such as the startup
// objects a linker opens.
func TestExecute_PathsOutsideWorkDirAreSources(t *testing.T) {
	app := &core.Rule{Targets: []string{"app"}, Commands: []string{"link"}}
	objects := &core.Rule{Targets: []string{"*.o"}, Commands: []string{"cc {}.c"}}
	f := newFixture(t, app, objects)

	crt := filepath.Join(t.TempDir(), "crt1.o")
	require.NoError(t, os.WriteFile(crt, nil, 0o644))
	require.NoError(t, os.Chtimes(crt, past, past))
	f.script("link", func(obs proc.Observer) error {
		obs.Enter(crt)
		obs.Exit(crt, true)
		f.produce(obs, "app")
		return nil
	})

	o := f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"app"}))
	assert.Equal(t, []string{"link"}, f.exec.runs())

	deps, found, err := o.Dependencies("app")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, deps, core.DepRecord{Path: crt, Existed: true})

	o = f.invocation()
	require.NoError(t, o.Build(context.Background(), []string{"app"}))
	assert.Empty(t, f.exec.runs())
}
