// Package detect computes the set of files created or modified under a
// snapshot root after a reference instant. Detection is mtime-based, the
// same heuristic the git-less snapshot comparison relies on; coarse clock
// resolution is an accepted precision limit.
package detect

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Changed walks root and returns the relative paths of regular files and
// symlinks whose modification time is strictly after since. Directories are
// never reported. Symlinks are judged by the link's own mtime (Lstat), never
// followed. Paths are sorted lexicographically so patch output is stable.
func Changed(root string, since time.Time) ([]string, error) {
	var changed []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		// WalkDir does not follow symlinks, so Info here is an Lstat.
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		if !info.ModTime().After(since) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		changed = append(changed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(changed)
	return changed, nil
}

// Deleted returns the relative paths of files present under preRoot but
// absent under postRoot, sorted lexicographically. mtime comparison cannot
// see removals, so deletions are derived from the pre-image index.
func Deleted(preRoot, postRoot string) ([]string, error) {
	var deleted []string

	err := filepath.WalkDir(preRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(preRoot, p)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(filepath.Join(postRoot, rel)); os.IsNotExist(err) {
			deleted = append(deleted, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(deleted)
	return deleted, nil
}
