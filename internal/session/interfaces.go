package session

import (
	"context"
	"io"
	"time"

	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/store"
)

// ContainerRuntime is the slice of the runtime adapter the manager needs.
// Narrow on purpose so tests can mock it without a Docker daemon.
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, opts docker.CreateOpts) (string, error)
	WaitRunning(ctx context.Context, containerID string) error
	CopyTo(ctx context.Context, containerID, destPath string, tarStream []byte) error
	CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
	RemoveContainer(ctx context.Context, containerID string) error
	CreateVolume(ctx context.Context, name, sessionID string) error
	RemoveVolume(ctx context.Context, name string) error
}

// CommandRunner executes one shell command inside a session's container.
type CommandRunner interface {
	Execute(ctx context.Context, containerID, command, workdir string) (executor.Invocation, error)
}

// SessionStore is the registry slice the manager needs.
type SessionStore interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	UpdateSessionStatus(id string, status string) error
	TransitionStatus(id string, from, to string) (bool, error)
	TouchSession(id string, expiresAt time.Time) error
}
