package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/p-arndt/kapsel/internal/archive"
	"github.com/p-arndt/kapsel/internal/detect"
	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/store"
)

// RunOpts is one batch of work against an open session.
type RunOpts struct {
	// ArchiveB64 is an optional base64 gzip tar extracted into the workspace
	// before the first command runs. Empty means no files.
	ArchiveB64 string

	// Commands run in order through /bin/sh -c, each string verbatim.
	Commands []string

	// FailFast stops the batch at the first non-zero exit code.
	FailFast bool

	// Workdir applies to every command. Empty and "." mean the workspace
	// root; relative paths resolve under it.
	Workdir string

	// WithArchive additionally returns the changed files as an archive.
	WithArchive bool
}

// RunResult is what a batch produced.
type RunResult struct {
	Results []executor.Invocation `json:"results"`

	// Patch is a unified diff of everything the commands changed in the
	// workspace, empty when nothing changed or extraction is off.
	Patch string `json:"patch,omitempty"`

	// ChangedFiles lists created or modified workspace paths.
	ChangedFiles []string `json:"changed_files,omitempty"`

	// DeletedFiles lists workspace paths removed by the commands.
	DeletedFiles []string `json:"deleted_files,omitempty"`

	// Archive carries the changed files as base64 gzip tar when requested.
	Archive string `json:"archive,omitempty"`
}

// Run extracts the archive, executes the command batch and computes the
// workspace change set. A malformed archive leaves the session ready for
// another attempt; a timeout or infrastructure failure tears the session
// down. A timed-out session is never returned to ready.
func (m *Manager) Run(ctx context.Context, id string, opts RunOpts) (*RunResult, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, sess.Status)
	}

	ok, err := m.store.TransitionStatus(id, store.StatusReady, store.StatusExecuting)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}

	result, err := m.runLocked(ctx, sess, opts)
	if err != nil {
		if errors.Is(err, archive.ErrFormat) {
			// Bad input, session untouched: hand it back.
			if _, terr := m.store.TransitionStatus(id, store.StatusExecuting, store.StatusReady); terr != nil {
				m.logger.Warn("restoring session after rejected archive", "session_id", id, "error", terr)
			}
			return nil, err
		}

		final := store.StatusFailed
		if errors.Is(err, executor.ErrTimeout) {
			final = store.StatusClosed
		}
		m.teardown(ctx, sess, final)
		m.logger.Warn("session torn down after run failure",
			"session_id", id, "status", final, "error", err)
		return result, err
	}

	if _, terr := m.store.TransitionStatus(id, store.StatusExecuting, store.StatusReady); terr != nil {
		m.logger.Warn("returning session to ready", "session_id", id, "error", terr)
	}
	ttl := time.Duration(m.cfg.SessionTTLSeconds) * time.Second
	if terr := m.store.TouchSession(id, time.Now().UTC().Add(ttl)); terr != nil {
		m.logger.Warn("touching session", "session_id", id, "error", terr)
	}

	return result, nil
}

func (m *Manager) runLocked(ctx context.Context, sess *store.Session, opts RunOpts) (*RunResult, error) {
	// The session's global budget bounds everything below, including the
	// copy-in and the snapshot exports.
	ctx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	if opts.ArchiveB64 != "" {
		entries, err := archive.Decode(opts.ArchiveB64)
		if err != nil {
			return nil, err
		}
		tarStream, err := archive.Tar(entries)
		if err != nil {
			return nil, err
		}
		if err := m.runtime.CopyTo(ctx, sess.ContainerID, docker.WorkspacePath, tarStream); err != nil {
			return nil, fmt.Errorf("extracting archive: %w", err)
		}
	}

	var preDir string
	if sess.ExtractPatch {
		var err error
		preDir, err = m.exportSnapshot(ctx, sess.HelperID)
		if err != nil {
			return nil, fmt.Errorf("pre-run snapshot: %w", err)
		}
		defer os.RemoveAll(preDir)
	}
	// Copied-in files carry mtimes at or before this instant, so only what
	// the commands write afterwards counts as changed.
	since := time.Now()

	result := &RunResult{Results: []executor.Invocation{}}
	for _, command := range opts.Commands {
		inv, err := m.exec.Execute(ctx, sess.ContainerID, command, opts.Workdir)
		result.Results = append(result.Results, inv)
		if err != nil {
			return result, err
		}
		if opts.FailFast && inv.ExitCode != 0 {
			break
		}
	}

	if sess.ExtractPatch {
		if err := m.collectChanges(ctx, sess, preDir, since, opts.WithArchive, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// collectChanges exports the post-run snapshot, derives the change set and
// renders the patch into result.
func (m *Manager) collectChanges(ctx context.Context, sess *store.Session, preDir string, since time.Time, withArchive bool, result *RunResult) error {
	postDir, err := m.exportSnapshot(ctx, sess.HelperID)
	if err != nil {
		return fmt.Errorf("post-run snapshot: %w", err)
	}
	defer os.RemoveAll(postDir)

	changed, err := detect.Changed(postDir, since)
	if err != nil {
		return fmt.Errorf("detecting changes: %w", err)
	}
	deleted, err := detect.Deleted(preDir, postDir)
	if err != nil {
		return fmt.Errorf("detecting deletions: %w", err)
	}

	paths := mergeSorted(changed, deleted)
	if len(paths) == 0 {
		return nil
	}

	patch, err := archive.Diff(preDir, postDir, paths)
	if err != nil {
		return fmt.Errorf("rendering patch: %w", err)
	}
	result.Patch = patch
	result.ChangedFiles = changed
	result.DeletedFiles = deleted

	if withArchive && len(changed) > 0 {
		encoded, err := encodeFiles(postDir, changed)
		if err != nil {
			return fmt.Errorf("encoding result archive: %w", err)
		}
		result.Archive = encoded
	}
	return nil
}

// exportSnapshot copies the workspace out of the helper container into a
// temp directory, preserving mtimes. The caller removes the directory.
func (m *Manager) exportSnapshot(ctx context.Context, helperID string) (string, error) {
	rc, err := m.runtime.CopyFrom(ctx, helperID, docker.WorkspacePath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dir, err := os.MkdirTemp("", "kapsel-snap-")
	if err != nil {
		return "", err
	}

	// The export's first path component is the workspace directory itself.
	if err := archive.Extract(rc, dir, 1); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func encodeFiles(root string, paths []string) (string, error) {
	entries := make([]archive.Entry, 0, len(paths))
	for _, rel := range paths {
		p := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Lstat(p)
		if err != nil {
			return "", err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		entries = append(entries, archive.Entry{
			Path: rel,
			Mode: int64(info.Mode().Perm()),
			Data: data,
		})
	}
	return archive.Encode(entries)
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	sort.Strings(merged)
	return merged
}
