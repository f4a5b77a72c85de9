// Package tracker accumulates the dependency records of one rule execution.
//
// A Tracker observes the file accesses reported while a rule's commands run.
// The first observation of a path decides its record: whether the path existed
// just before it was first entered. A path the commands created and left in
// place is recorded as existing, and one created and removed again as absent,
// so scratch files and side outputs do not make the next build stale. A path
// reported only on completion is recorded with the outcome of that access.
package tracker

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"autodep/internal/core"
)

// DefaultIgnorePrefixes are kernel and device trees whose accesses are never
// dependencies.
var DefaultIgnorePrefixes = []string{"/proc", "/sys", "/dev"}

type access struct {
	existedBefore bool
	entered       bool
}

// Tracker records file accesses for a single rule execution.
//
// Thread Safety: safe for concurrent use.
type Tracker struct {
	root   string
	ignore []string

	mu       sync.Mutex
	order    []string
	accesses map[string]*access
}

// New creates a Tracker. root is the build work directory: paths under it are
// recorded relative to it. Accesses under any ignore prefix are dropped.
//
// root is resolved through symlinks since traced paths are physical.
func New(root string, ignore []string) *Tracker {
	root = filepath.Clean(root)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	t := &Tracker{
		root:     root,
		accesses: make(map[string]*access),
	}
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(t.root, p)
		}
		t.ignore = append(t.ignore, filepath.Clean(p))
	}
	return t
}

// Normalize maps path to the form it is recorded under. It reports false for
// ignored paths.
func (t *Tracker) Normalize(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(t.root, abs)
	}
	abs = filepath.Clean(abs)
	if abs == t.root {
		return "", false
	}
	for _, p := range t.ignore {
		if under(abs, p) {
			return "", false
		}
	}
	if under(abs, t.root) {
		rel, err := filepath.Rel(t.root, abs)
		if err == nil {
			return rel, true
		}
	}
	return abs, true
}

func under(path, dir string) bool {
	if dir == "/" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// Enter notes that path is about to be accessed.
func (t *Tracker) Enter(path string) {
	rec, ok := t.Normalize(path)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.accesses[rec]; seen {
		return
	}
	_, err := os.Stat(t.abs(rec))
	t.order = append(t.order, rec)
	t.accesses[rec] = &access{existedBefore: err == nil, entered: true}
}

// Exit notes that an access to path finished, successfully or not.
func (t *Tracker) Exit(path string, ok bool) {
	rec, keep := t.Normalize(path)
	if !keep {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.accesses[rec]; !seen {
		t.order = append(t.order, rec)
		t.accesses[rec] = &access{existedBefore: ok}
	}
}

// Declare records a dependency that was not observed but stated, with its
// existence at the time of the call.
func (t *Tracker) Declare(path string, existed bool) {
	t.Exit(path, existed)
}

// Records returns the accumulated records in first-observation order. Call it
// once the commands have finished.
func (t *Tracker) Records() []core.DepRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := core.NewDepSet()
	for _, p := range t.order {
		a := t.accesses[p]
		existed := a.existedBefore
		if a.entered && !existed {
			_, err := os.Stat(t.abs(p))
			existed = err == nil
		}
		set.Add(core.DepRecord{Path: p, Existed: existed})
	}
	return set.Records()
}

// Reset discards everything recorded so far.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.accesses = make(map[string]*access)
}

func (t *Tracker) abs(rec string) string {
	if filepath.IsAbs(rec) {
		return rec
	}
	return filepath.Join(t.root, rec)
}
