// Package session orchestrates sandbox sessions: ephemeral container pairs
// that execute untrusted commands against an in-container workspace and
// report output plus a unified-diff patch of what changed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/store"
)

type Manager struct {
	cfg     *config.Config
	store   SessionStore
	runtime ContainerRuntime
	exec    CommandRunner
	logger  *slog.Logger

	// locks serializes operations per session id. Overlapping run calls on
	// the same session queue up instead of interleaving execs.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewManager(cfg *config.Config, st SessionStore, rt ContainerRuntime, exec CommandRunner, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		exec:    exec,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) dropLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// Ping reports whether the container runtime is reachable.
func (m *Manager) Ping(ctx context.Context) bool {
	return m.runtime.Ping(ctx) == nil
}

// Get returns the current state of a session.
func (m *Manager) Get(id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// teardown removes a session's containers and volume and marks it with the
// given terminal status. Resource removal is best-effort: a half-gone
// session must still end up terminal, so failures are logged, not raised.
// Callers hold the session lock.
func (m *Manager) teardown(ctx context.Context, sess *store.Session, final string) {
	ctx = context.WithoutCancel(ctx)

	if err := m.store.UpdateSessionStatus(sess.ID, store.StatusClosing); err != nil {
		m.logger.Warn("marking session closing", "session_id", sess.ID, "error", err)
	}

	if sess.HelperID != "" {
		if err := m.runtime.RemoveContainer(ctx, sess.HelperID); err != nil {
			m.logger.Warn("removing helper container", "session_id", sess.ID, "error", err)
		}
	}
	if sess.ContainerID != "" {
		if err := m.runtime.RemoveContainer(ctx, sess.ContainerID); err != nil {
			m.logger.Warn("removing container", "session_id", sess.ID, "error", err)
		}
	}
	if sess.Volume != "" {
		if err := m.runtime.RemoveVolume(ctx, sess.Volume); err != nil {
			m.logger.Warn("removing volume", "session_id", sess.ID, "error", err)
		}
	}

	if err := m.store.UpdateSessionStatus(sess.ID, final); err != nil {
		m.logger.Error("marking session terminal", "session_id", sess.ID, "status", final, "error", err)
	}
}
