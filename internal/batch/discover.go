package batch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"soalign/internal/trace"
)

var libraryPatterns = []string{"*.so", "*.so.?*"}

// IsLibraryName reports whether a file name looks like a shared library:
// it ends in ".so" or carries a non-empty version suffix after ".so.".
func IsLibraryName(name string) bool {
	for _, p := range libraryPatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Discover walks root and returns every shared library below it, sorted.
// Symlinks to regular files are followed; paths resolving to the same file
// are reported once, keeping the first in sorted order. A subdirectory that
// cannot be read is skipped and recorded as a trace point; an unreadable
// root is an error.
func Discover(ctx context.Context, root string) ([]string, error) {
	tracer := trace.FromContext(ctx)
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			trace.Point(tracer, trace.ScopeBatch, "discover-skip", err.Error(), trace.ParentID(ctx))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsLibraryName(d.Name()) {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)

	seen := make(map[string]struct{}, len(found))
	out := found[:0]
	for _, path := range found {
		key := canonical(path)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, path)
	}
	return out, nil
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}
