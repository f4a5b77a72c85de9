// Package watch re-runs a build whenever files under a directory change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// DefaultDebounce is how long the tree must stay quiet before a batch fires.
const DefaultDebounce = 200 * time.Millisecond

// Handler receives the changed paths of one debounced batch, sorted and
// without duplicates. A returned error is logged and watching continues.
type Handler func(ctx context.Context, changed []string) error

// Options configures a Watcher.
type Options struct {
	Root string

	// Ignore lists path prefixes that produce no events, which covers a
	// directory's subtree and the temporary siblings of a file. Relative
	// entries are taken relative to Root.
	Ignore []string

	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches Root recursively.
type Watcher struct {
	root     string
	ignore   []string
	debounce time.Duration
	logger   *slog.Logger
}

// New validates opts and returns a Watcher.
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("watch root is empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	w := &Watcher{root: root, debounce: opts.Debounce, logger: opts.Logger}
	for _, p := range opts.Ignore {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		w.ignore = append(w.ignore, filepath.Clean(p))
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w, nil
}

// Run blocks until ctx is done, calling fn once per debounced batch of
// changes. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, fn Handler) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching for changes", slog.String("root", w.root))

	changes := make(chan string, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(changes)
		return w.forward(gctx, fw, changes)
	})
	g.Go(func() error {
		return w.debounceLoop(gctx, changes, fn)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, p := range w.ignore {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// forward turns fsnotify events into changed paths and starts watching
// directories created under the root.
func (w *Watcher) forward(ctx context.Context, fw *fsnotify.Watcher, out chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addRecursive(fw, ev.Name); err != nil {
						w.logger.Warn("could not watch new directory", slog.String("path", ev.Name), slog.Any("error", err))
					}
				}
			}
			select {
			case out <- ev.Name:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context, in <-chan string, fn Handler) error {
	pending := make(map[string]struct{})
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path, ok := <-in:
			if !ok {
				return nil
			}
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			batch := make([]string, 0, len(pending))
			for p := range pending {
				batch = append(batch, p)
			}
			clear(pending)
			sort.Strings(batch)

			w.logger.Debug("changes detected", slog.Int("files", len(batch)))
			if err := fn(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("build failed", slog.Any("error", err))
			}
		}
	}
}
