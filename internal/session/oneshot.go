package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-arndt/kapsel/internal/archive"
	"github.com/p-arndt/kapsel/internal/lang"
)

// OneShotOpts is a self-contained run: open, execute, close in one call.
type OneShotOpts struct {
	// RunID is a caller-supplied correlation id, used for logging only.
	RunID string

	Image       string
	ArchiveB64  string
	Commands    []string
	FailFast    bool
	Workdir     string
	WithArchive bool
}

// RunCommands executes a command batch in a throwaway session. The session
// is always torn down, and unless keep_template is set the pulled base
// image is removed afterwards.
func (m *Manager) RunCommands(ctx context.Context, opts OneShotOpts) (*RunResult, error) {
	sess, err := m.Open(ctx, OpenOpts{
		Image:        opts.Image,
		ExtractPatch: true,
		Ephemeral:    true,
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		bg := context.WithoutCancel(ctx)
		if err := m.Close(bg, sess.ID); err != nil {
			m.logger.Warn("closing one-shot session", "run_id", opts.RunID, "session_id", sess.ID, "error", err)
		}
		if !m.cfg.KeepTemplate {
			if err := m.runtime.RemoveImage(bg, opts.Image); err != nil {
				m.logger.Warn("removing base image", "run_id", opts.RunID, "image", opts.Image, "error", err)
			}
		}
	}()

	m.logger.Info("one-shot run started", "run_id", opts.RunID, "session_id", sess.ID, "image", opts.Image)
	return m.Run(ctx, sess.ID, RunOpts{
		ArchiveB64:  opts.ArchiveB64,
		Commands:    opts.Commands,
		FailFast:    opts.FailFast,
		Workdir:     opts.Workdir,
		WithArchive: opts.WithArchive,
	})
}

// RunCode executes a code snippet in the language's runner image and
// returns the combined output. A non-zero snippet exit maps to
// ErrCodeFailed with the output attached, so callers can surface both.
func (m *Manager) RunCode(ctx context.Context, language, code string, dependencies []string) (string, error) {
	runner, err := lang.ForLanguage(language)
	if err != nil {
		return "", err
	}

	encoded, err := archive.Encode(runner.Entries(code, dependencies))
	if err != nil {
		return "", fmt.Errorf("encoding snippet: %w", err)
	}

	sess, err := m.Open(ctx, OpenOpts{
		Image:     runner.Image(),
		Ephemeral: true,
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := m.Close(context.WithoutCancel(ctx), sess.ID); err != nil {
			m.logger.Warn("closing code session", "session_id", sess.ID, "error", err)
		}
	}()

	result, err := m.Run(ctx, sess.ID, RunOpts{
		ArchiveB64: encoded,
		Commands:   runner.Commands(),
		FailFast:   true,
	})
	output := combinedOutput(result)
	if err != nil {
		return output, err
	}

	last := result.Results[len(result.Results)-1]
	if last.ExitCode != 0 {
		return output, fmt.Errorf("%w: exit code %d", ErrCodeFailed, last.ExitCode)
	}
	return output, nil
}

func combinedOutput(result *RunResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, inv := range result.Results {
		sb.WriteString(inv.Output)
	}
	return sb.String()
}
