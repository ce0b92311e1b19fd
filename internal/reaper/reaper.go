// Package reaper enforces session hygiene: a periodic sweep closes idle
// sessions past their TTL, and a boot-time reconciliation clears whatever a
// previous daemon left behind. Sessions never survive a restart.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/store"
)

// SessionCloser tears down one session.
type SessionCloser interface {
	Close(ctx context.Context, id string) error
}

// Registry is the store slice the reaper needs.
type Registry interface {
	ListExpiredSessions() ([]*store.Session, error)
	ListActiveSessions() ([]*store.Session, error)
	UpdateSessionStatus(id string, status string) error
}

// Runtime is the container engine slice the reaper needs.
type Runtime interface {
	ListSandboxContainers(ctx context.Context) ([]docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveVolume(ctx context.Context, name string) error
}

type Reaper struct {
	registry Registry
	runtime  Runtime
	sessions SessionCloser
	interval time.Duration
	logger   *slog.Logger
}

func New(registry Registry, runtime Runtime, sessions SessionCloser, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		runtime:  runtime,
		sessions: sessions,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapExpired(ctx)
		}
	}
}

func (r *Reaper) reapExpired(ctx context.Context) {
	expired, err := r.registry.ListExpiredSessions()
	if err != nil {
		r.logger.Error("listing expired sessions", "error", err)
		return
	}

	for _, sess := range expired {
		r.logger.Info("reaping expired session", "session_id", sess.ID, "expired_at", sess.ExpiresAt)
		if err := r.sessions.Close(ctx, sess.ID); err != nil {
			r.logger.Warn("closing expired session", "session_id", sess.ID, "error", err)
		}
	}
}

// Reconcile runs once at daemon start. Every active row belongs to a
// previous process and is marked crashed; every labeled container and its
// volume are removed. Removal failures are logged and skipped so one stuck
// container cannot block startup.
func (r *Reaper) Reconcile(ctx context.Context) error {
	stale, err := r.registry.ListActiveSessions()
	if err != nil {
		return err
	}
	var volumes []string
	for _, sess := range stale {
		r.logger.Warn("marking stale session crashed", "session_id", sess.ID, "was", sess.Status)
		if err := r.registry.UpdateSessionStatus(sess.ID, store.StatusCrashed); err != nil {
			r.logger.Error("marking session crashed", "session_id", sess.ID, "error", err)
		}
		if sess.Volume != "" {
			volumes = append(volumes, sess.Volume)
		}
	}

	leaked, err := r.runtime.ListSandboxContainers(ctx)
	if err != nil {
		return err
	}
	for _, info := range leaked {
		r.logger.Warn("removing leaked container",
			"container_id", info.ContainerID, "session_id", info.SessionID, "role", info.Role)
		if err := r.runtime.RemoveContainer(ctx, info.ContainerID); err != nil {
			r.logger.Warn("removing leaked container", "container_id", info.ContainerID, "error", err)
		}
	}

	// Volumes go last; they cannot be removed while a container uses them.
	for _, volume := range volumes {
		if err := r.runtime.RemoveVolume(ctx, volume); err != nil {
			r.logger.Warn("removing stale volume", "volume", volume, "error", err)
		}
	}

	return nil
}
