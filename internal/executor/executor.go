// Package executor runs single shell commands inside a running container
// under the session's global wall-clock budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/p-arndt/kapsel/internal/docker"
)

// ErrTimeout indicates the session's execution deadline expired while a
// command was in flight. A timed-out session is never returned to ready.
var ErrTimeout = errors.New("execution deadline exceeded")

// Outcome is the terminal state of one command invocation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeError     Outcome = "error"
)

// Invocation records one command run. Immutable once terminal.
type Invocation struct {
	Command   string    `json:"command"`
	Workdir   string    `json:"workdir"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code"`
	Output    string    `json:"output"`
	Outcome   Outcome   `json:"outcome"`
}

// ContainerExecer is the slice of the runtime adapter the executor borrows
// for the duration of one invocation.
type ContainerExecer interface {
	Exec(ctx context.Context, containerID, command, workdir string, env []string) (*docker.ExecResult, error)
}

type Executor struct {
	runtime ContainerExecer
}

func New(runtime ContainerExecer) *Executor {
	return &Executor{runtime: runtime}
}

// Execute runs command through /bin/sh -c in the container. The command
// string is passed verbatim; it is already meant for shell interpretation
// and must not be quoted again. ctx carries the session deadline: expiry
// aborts the in-flight exec, marks the invocation timed-out and returns
// ErrTimeout.
func (e *Executor) Execute(ctx context.Context, containerID, command, workdir string) (Invocation, error) {
	resolved := ResolveWorkdir(workdir)

	inv := Invocation{
		Command:   command,
		Workdir:   resolved,
		StartedAt: time.Now().UTC(),
	}

	res, err := e.runtime.Exec(ctx, containerID, command, resolved, execEnvironment())
	if res != nil {
		inv.Output = res.Output
		inv.ExitCode = res.ExitCode
	}

	switch {
	case err == nil:
		inv.Outcome = OutcomeCompleted
		return inv, nil
	case errors.Is(err, context.DeadlineExceeded):
		inv.Outcome = OutcomeTimedOut
		inv.ExitCode = -1
		return inv, fmt.Errorf("%w: %s", ErrTimeout, command)
	default:
		inv.Outcome = OutcomeError
		inv.ExitCode = -1
		return inv, fmt.Errorf("exec %q: %w", command, err)
	}
}

// ResolveWorkdir maps a caller-supplied working directory onto the archive
// root. Empty and "." both mean the root itself; relative paths join under
// it; absolute paths are used as-is.
func ResolveWorkdir(workdir string) string {
	if workdir == "" || workdir == "." {
		return docker.WorkspacePath
	}
	if path.IsAbs(workdir) {
		return path.Clean(workdir)
	}
	return path.Join(docker.WorkspacePath, workdir)
}

// execEnvironment pins HOME and the XDG dirs under the archive root so
// tooling works in images whose default user has no writable home.
func execEnvironment() []string {
	home := docker.WorkspacePath
	return []string{
		"HOME=" + home,
		"XDG_CACHE_HOME=" + home + "/.cache",
		"XDG_CONFIG_HOME=" + home + "/.config",
		"XDG_STATE_HOME=" + home + "/.local/state",
		"XDG_DATA_HOME=" + home + "/.local/share",
	}
}
