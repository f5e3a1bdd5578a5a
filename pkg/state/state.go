package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the DB path.
type Paths struct {
	Store     string
	WAL       string
	Retention string
	Crash     string
	Abort     string
	Tmp       string
}

// Layout returns the runtime paths derived from dbPath without creating
// anything.
func Layout(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		Store:     filepath.Join(dbPath, "store"),
		WAL:       filepath.Join(statePath, "wal"),
		Retention: filepath.Join(statePath, "retention"),
		Crash:     filepath.Join(statePath, "crash"),
		Abort:     filepath.Join(statePath, "abort"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

// EnsureStateDirs ensures the canonical runtime folder layout exists under
// the provided DB path. It verifies paths are not symlinks and have
// restrictive permissions, and that they are writable by the process.
func EnsureStateDirs(dbPath string) (Paths, error) {
	layout := Layout(dbPath)
	paths := []string{layout.Store, layout.WAL, layout.Retention, layout.Crash, layout.Abort, layout.Tmp}

	for _, p := range paths {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return layout, fmt.Errorf("cannot create parent for %s: %w", p, err)
		}

		// if path exists, reject symlinks and non-directories
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return layout, fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return layout, fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return layout, fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}

		// create directory if missing
		if err := os.MkdirAll(p, 0o700); err != nil {
			return layout, fmt.Errorf("cannot create path %s: %w", p, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return layout, fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	return layout, nil
}
