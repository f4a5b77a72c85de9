package build

import (
	"os"
	"path/filepath"
	"time"
)

// FileInfo is what staleness checks need to know about a path.
type FileInfo struct {
	ModTime time.Time
	IsDir   bool
}

// Probe inspects the filesystem. Stat reports false when path cannot be
// stat'ed for any reason; callers treat that as "absent".
type Probe interface {
	Stat(path string) (FileInfo, bool)
}

// OSProbe stats real files. Relative paths are resolved against Root.
type OSProbe struct {
	Root string
}

func (p OSProbe) Stat(path string) (FileInfo, bool) {
	if !filepath.IsAbs(path) && p.Root != "" {
		path = filepath.Join(p.Root, path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, false
	}
	return FileInfo{ModTime: fi.ModTime(), IsDir: fi.IsDir()}, true
}
