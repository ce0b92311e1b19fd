package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stampedFile(t *testing.T, root, rel string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(rel), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestChangedReportsFilesModifiedAfterSnapshot(t *testing.T) {
	root := t.TempDir()
	t0 := time.Now().Add(-time.Hour)

	stampedFile(t, root, "old.txt", t0.Add(-time.Minute))
	stampedFile(t, root, "touched.txt", t0.Add(time.Minute))
	stampedFile(t, root, "sub/created.txt", t0.Add(2*time.Minute))

	changed, err := Changed(root, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/created.txt", "touched.txt"}, changed)
}

func TestChangedBoundaryIsStrict(t *testing.T) {
	root := t.TempDir()
	t0 := time.Now().Truncate(time.Second).Add(-time.Hour)

	// A file stamped exactly at the snapshot instant is a pre-existing
	// file copied in at extraction time, not a change.
	stampedFile(t, root, "at-boundary.txt", t0)

	changed, err := Changed(root, t0)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestChangedIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	t0 := time.Now().Add(-time.Hour)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "fresh-dir"), 0o755))
	stampedFile(t, root, "fresh-dir/f.txt", t0.Add(time.Minute))

	changed, err := Changed(root, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-dir/f.txt"}, changed)
}

func TestChangedReportsSymlinksByLinkMtime(t *testing.T) {
	root := t.TempDir()
	t0 := time.Now().Add(-time.Hour)

	stampedFile(t, root, "target.txt", t0.Add(-time.Minute))
	// The link itself is created now, i.e. after the snapshot.
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link.txt")))

	changed, err := Changed(root, t0)
	require.NoError(t, err)
	assert.Contains(t, changed, "link.txt")
	assert.NotContains(t, changed, "target.txt")
}

func TestChangedOrderingIsDeterministic(t *testing.T) {
	root := t.TempDir()
	t0 := time.Now().Add(-time.Hour)

	for _, rel := range []string{"z.txt", "a.txt", "m/b.txt"} {
		stampedFile(t, root, rel, t0.Add(time.Minute))
	}

	changed, err := Changed(root, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "m/b.txt", "z.txt"}, changed)
}

func TestDeleted(t *testing.T) {
	pre, post := t.TempDir(), t.TempDir()
	now := time.Now()

	stampedFile(t, pre, "kept.txt", now)
	stampedFile(t, pre, "removed.txt", now)
	stampedFile(t, pre, "sub/also-removed.txt", now)
	stampedFile(t, post, "kept.txt", now)

	deleted, err := Deleted(pre, post)
	require.NoError(t, err)
	assert.Equal(t, []string{"removed.txt", "sub/also-removed.txt"}, deleted)
}
