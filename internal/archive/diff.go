package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified-diff patch for the given relative paths between a
// pre-image snapshot root and a post-image root. Paths missing from the
// pre-image diff against /dev/null (created), paths missing from the
// post-image diff to /dev/null (deleted). An empty path set yields an empty
// patch.
func Diff(preRoot, postRoot string, paths []string) (string, error) {
	var sb strings.Builder

	for _, rel := range paths {
		rel = filepath.ToSlash(filepath.Clean(rel))
		if rel == "." || rel == "" {
			continue
		}

		pre, preExists, err := readSnapshotFile(preRoot, rel)
		if err != nil {
			return "", err
		}
		post, postExists, err := readSnapshotFile(postRoot, rel)
		if err != nil {
			return "", err
		}
		if preExists && postExists && pre == post {
			// mtime changed but content did not; nothing to emit
			continue
		}

		fromFile := "a/" + rel
		toFile := "b/" + rel
		if !preExists {
			fromFile = "/dev/null"
		}
		if !postExists {
			toFile = "/dev/null"
		}

		hunks, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(pre),
			B:        difflib.SplitLines(post),
			FromFile: fromFile,
			ToFile:   toFile,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", rel, err)
		}
		sb.WriteString(hunks)
	}

	return sb.String(), nil
}

func readSnapshotFile(root, rel string) (string, bool, error) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return "", false, err
		}
		// Symlinks diff by target so the patch stays line-based.
		return "symlink -> " + target + "\n", true, nil
	}
	if info.IsDir() {
		return "", false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}
