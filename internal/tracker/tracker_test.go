package tracker

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodep/internal/core"
)

// tempRoot returns a test directory without symlinks in its path, matching
// the root New records against.
func tempRoot(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestTracker_FirstEntryDecides(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.h"), nil, 0o644))

	tr.Enter(filepath.Join(root, "a.h"))
	tr.Exit(filepath.Join(root, "a.h"), false)
	require.NoError(t, os.Remove(filepath.Join(root, "a.h")))
	tr.Enter(filepath.Join(root, "a.h"))
	tr.Exit(filepath.Join(root, "a.h"), false)

	assert.Equal(t, []core.DepRecord{{Path: "a.h", Existed: true}}, tr.Records())
}

// TestTracker_ScratchFileRecordedAbsent covers a temporary file the commands
// create and remove again, as compilers and write-then-rename outputs do.
func TestTracker_ScratchFileRecordedAbsent(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, nil)

	tmp := filepath.Join(root, "out.tmp")
	tr.Enter(tmp)
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))
	tr.Exit(tmp, true)
	require.NoError(t, os.Rename(tmp, filepath.Join(root, "out")))

	assert.Equal(t, []core.DepRecord{{Path: "out.tmp", Existed: false}}, tr.Records())
}

// TestTracker_CreatedOutputRecordedPresent covers a side output the commands
// create and leave in place.
func TestTracker_CreatedOutputRecordedPresent(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, nil)

	out := filepath.Join(root, "out.d")
	tr.Enter(out)
	require.NoError(t, os.WriteFile(out, nil, 0o644))
	tr.Exit(out, true)

	assert.Equal(t, []core.DepRecord{{Path: "out.d", Existed: true}}, tr.Records())
}

func TestTracker_SymlinkedRoot(t *testing.T) {
	physical, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(physical, link))

	tr := New(link, []string{".autodep"})
	got, keep := tr.Normalize(filepath.Join(physical, "src", "main.c"))
	assert.True(t, keep)
	assert.Equal(t, filepath.Join("src", "main.c"), got)

	_, keep = tr.Normalize(filepath.Join(physical, ".autodep", "deps"))
	assert.False(t, keep)
}

// TestTracker_EnterWithoutExitUsesPriorExistence verifies the fallback when
// no completion is reported.
func TestTracker_EnterWithoutExitUsesPriorExistence(t *testing.T) {
	root := tempRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "present"), nil, 0o644))
	tr := New(root, nil)

	tr.Enter(filepath.Join(root, "present"))
	tr.Enter(filepath.Join(root, "absent"))

	assert.Equal(t, []core.DepRecord{
		{Path: "present", Existed: true},
		{Path: "absent", Existed: false},
	}, tr.Records())
}

func TestTracker_OrderAndDedup(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, nil)

	tr.Exit(filepath.Join(root, "b"), true)
	tr.Exit(filepath.Join(root, "a"), true)
	tr.Exit(filepath.Join(root, "b"), false)
	tr.Declare("c", false)

	assert.Equal(t, []core.DepRecord{
		{Path: "b", Existed: true},
		{Path: "a", Existed: true},
		{Path: "c", Existed: false},
	}, tr.Records())

	tr.Reset()
	assert.Empty(t, tr.Records())
}

func TestTracker_Normalize(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, append([]string{".autodep"}, DefaultIgnorePrefixes...))

	tests := []struct {
		in   string
		want string
		keep bool
	}{
		{filepath.Join(root, "src", "main.c"), filepath.Join("src", "main.c"), true},
		{"src/../main.c", "main.c", true},
		{"/usr/include/stdio.h", "/usr/include/stdio.h", true},
		{"/proc/self/maps", "", false},
		{"/dev/null", "", false},
		{"/devices", "/devices", true},
		{filepath.Join(root, ".autodep", "deps", "x"), "", false},
		{root, "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, keep := tr.Normalize(tt.in)
		assert.Equal(t, tt.keep, keep, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	tr.Exit("/dev/null", true)
	tr.Enter("/proc/1/status")
	assert.Empty(t, tr.Records())
}

func TestTracker_ConcurrentUse(t *testing.T) {
	root := tempRoot(t)
	tr := New(root, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range []string{"x", "y", "z"} {
				tr.Enter(filepath.Join(root, name))
				tr.Exit(filepath.Join(root, name), true)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Records(), 3)
}
