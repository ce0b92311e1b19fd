package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/store"
)

// OpenOpts describes a session to create. Limits nil means the daemon
// defaults apply.
type OpenOpts struct {
	Image        string
	Limits       *config.Limits
	ExtractPatch bool
	Ephemeral    bool
}

// Open provisions a new session: base image, shared workspace volume, the
// primary container, and (when patch extraction is requested) a helper
// container mounting the volume read-only for snapshots. Provisioning is
// all-or-nothing; every partially created resource is rolled back on
// failure and no session row is left behind.
func (m *Manager) Open(ctx context.Context, opts OpenOpts) (*store.Session, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required")
	}

	if err := m.runtime.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	id := uuid.NewString()

	if err := m.runtime.EnsureImage(ctx, opts.Image); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrImagePull, opts.Image, err)
	}

	limits := m.cfg.Defaults
	if opts.Limits != nil {
		limits = *opts.Limits
		if err := limits.ResolveMemLimit(); err != nil {
			return nil, err
		}
	}

	var rollbacks []func()
	rollback := func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}

	volume := "kapsel-run-" + id
	if err := m.runtime.CreateVolume(ctx, volume, id); err != nil {
		return nil, fmt.Errorf("creating workspace volume: %w", err)
	}
	rollbacks = append(rollbacks, func() {
		if err := m.runtime.RemoveVolume(context.WithoutCancel(ctx), volume); err != nil {
			m.logger.Warn("rolling back volume", "session_id", id, "error", err)
		}
	})

	primaryID, err := m.runtime.CreateContainer(ctx, docker.CreateOpts{
		SessionID: id,
		Image:     opts.Image,
		Name:      "kapsel-" + id,
		Role:      "primary",
		Limits:    limits,
		Volume:    volume,
	})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("%w: %w", ErrContainerStart, err)
	}
	rollbacks = append(rollbacks, func() {
		if err := m.runtime.RemoveContainer(context.WithoutCancel(ctx), primaryID); err != nil {
			m.logger.Warn("rolling back container", "session_id", id, "error", err)
		}
	})

	if err := m.runtime.WaitRunning(ctx, primaryID); err != nil {
		rollback()
		return nil, fmt.Errorf("%w: %w", ErrContainerStart, err)
	}

	var helperID string
	if opts.ExtractPatch {
		helperID, err = m.runtime.CreateContainer(ctx, docker.CreateOpts{
			SessionID:      id,
			Image:          opts.Image,
			Name:           "kapsel-" + id + "-helper",
			Role:           "helper",
			Limits:         limits,
			Volume:         volume,
			VolumeReadOnly: true,
		})
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: helper: %w", ErrContainerStart, err)
		}
		rollbacks = append(rollbacks, func() {
			if err := m.runtime.RemoveContainer(context.WithoutCancel(ctx), helperID); err != nil {
				m.logger.Warn("rolling back helper container", "session_id", id, "error", err)
			}
		})

		if err := m.runtime.WaitRunning(ctx, helperID); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: helper: %w", ErrContainerStart, err)
		}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           id,
		Image:        opts.Image,
		ContainerID:  primaryID,
		HelperID:     helperID,
		Volume:       volume,
		Status:       store.StatusReady,
		ExtractPatch: opts.ExtractPatch,
		Ephemeral:    opts.Ephemeral,
		CreatedAt:    now,
		// Deadline is the global execution budget for the whole session.
		// It is fixed at open time and never reset per command.
		Deadline:     now.Add(time.Duration(m.cfg.MaxExecutionSeconds) * time.Second),
		ExpiresAt:    now.Add(time.Duration(m.cfg.SessionTTLSeconds) * time.Second),
		LastActivity: now,
	}

	if err := m.store.CreateSession(sess); err != nil {
		rollback()
		return nil, fmt.Errorf("registering session: %w", err)
	}

	m.logger.Info("session opened",
		"session_id", id,
		"image", opts.Image,
		"extract_patch", opts.ExtractPatch,
	)
	return sess, nil
}
