package index

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Walk traverses a completed job's extraction root in a single pass and
// returns the full entry set. Symlinks are recorded as files sized via
// lstat and are never followed, so a link cannot pull content from outside
// the root into the index. There is deliberately no per-entry recursive
// size computation; directory totals come from SQL aggregation later.
func Walk(root string) ([]Entry, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve walk root: %w", err)
	}

	entries := make([]Entry, 0, 256)
	err = filepath.WalkDir(rootAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == rootAbs {
			return nil
		}

		rel, err := filepath.Rel(rootAbs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "../") {
			// Cannot happen for WalkDir output; refuse rather than index
			// an escaping path.
			return fmt.Errorf("walk produced path outside root: %s", rel)
		}

		if d.IsDir() {
			entries = append(entries, NewEntry(rel, TypeDirectory, 0))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, NewEntry(rel, TypeFile, info.Size()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	return entries, nil
}
