package session

import (
	"context"

	"github.com/p-arndt/kapsel/internal/store"
)

// Close tears a session down. Closing an unknown or already-closed session
// is a no-op; teardown failures are logged, never raised, so Close always
// converges on a terminal state.
func (m *Manager) Close(ctx context.Context, id string) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil || sess.Closed() {
		return nil
	}

	m.teardown(ctx, sess, store.StatusClosed)
	m.dropLock(id)
	m.logger.Info("session closed", "session_id", id)
	return nil
}
