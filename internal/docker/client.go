// Package docker is the thin capability adapter over the container engine.
// It exposes exactly what the session orchestration needs: image pull,
// container create/start/readiness, exec with combined output, tar copy
// in/out, volume lifecycle, and teardown.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/p-arndt/kapsel/internal/config"
)

const labelPrefix = "kapsel."

// WorkspacePath is the archive root inside every sandbox container.
const WorkspacePath = "/workspace"

type Client struct {
	docker  *client.Client
	runtime string // runc or runsc, set at daemon start
}

func New(runtimeName string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, runtime: runtimeName}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// EnsureImage makes the image available locally, pulling it when missing.
// Only pre-existing images are usable; there is no build path by design.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.docker.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect %s: %w", ref, err)
	}

	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull stream must be drained for the pull to complete.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

// RemoveImage best-effort removes a base image (keep_template=false).
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.docker.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("image remove %s: %w", ref, err)
	}
	return nil
}

type CreateOpts struct {
	SessionID string
	Image     string
	Name      string
	Role      string // primary or helper
	Limits    config.Limits

	// Volume, when set, is mounted at WorkspacePath. The helper container
	// mounts it read-only so snapshots never mutate the shared state.
	Volume         string
	VolumeReadOnly bool
}

// CreateContainer creates and starts a sandbox container with an
// indefinitely-running entry command, so images without a foreground
// default still stay up. Resource limits are applied here and are
// immutable afterwards.
func (c *Client) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	labels := map[string]string{
		labelPrefix + "session_id": opts.SessionID,
		labelPrefix + "managed":    "true",
		labelPrefix + "role":       opts.Role,
	}

	resources := container.Resources{
		NanoCPUs:  int64(opts.Limits.CPULimit * 1e9),
		Memory:    int64(opts.Limits.MemLimitMB) * 1024 * 1024,
		PidsLimit: int64Ptr(int64(opts.Limits.PidsLimit)),
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		Runtime:     c.runtime,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
	if opts.Volume != "" {
		hostCfg.Mounts = []mount.Mount{
			{
				Type:     mount.TypeVolume,
				Source:   opts.Volume,
				Target:   WorkspacePath,
				ReadOnly: opts.VolumeReadOnly,
			},
		}
	}
	if opts.Limits.NetworkMode == "none" {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Labels:     labels,
		Hostname:   "sandbox",
		Tty:        true,
		Entrypoint: []string{"/bin/sh"},
		Cmd:        []string{"-c", "tail -f /dev/null"},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// WaitRunning polls until the daemon reports the container running, with
// bounded retries. The daemon acknowledges start before the state flips,
// so a fresh container may inspect as created for a moment.
func (c *Client) WaitRunning(ctx context.Context, containerID string) error {
	const (
		attempts = 20
		interval = 250 * time.Millisecond
	)

	var lastState string
	for i := 0; i < attempts; i++ {
		info, err := c.docker.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("container inspect: %w", err)
		}
		if info.State != nil {
			if info.State.Running {
				return nil
			}
			lastState = info.State.Status
			if info.State.Dead || info.State.OOMKilled {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("container %s never reached running state (last: %s)", containerID[:12], lastState)
}

// ExecResult is the raw outcome of one exec inside a container.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Exec runs a single shell command inside a running container and captures
// stdout+stderr merged in arrival order. The command string is handed to
// /bin/sh -c verbatim; no extra quoting layer is applied. Cancelling ctx
// aborts the attached read and best-effort signals the runtime.
func (c *Client) Exec(ctx context.Context, containerID, command, workdir string, env []string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   workdir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	// One buffer for both demuxed streams: merged output, append order
	// preserved per stream.
	var combined bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&combined, &combined, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("exec read: %w", err)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks the reader. The process
		// inside the container is not guaranteed to die instantly; the
		// session teardown removes the container right after.
		attachResp.Close()
		<-done
		return &ExecResult{Output: combined.String(), ExitCode: -1}, ctx.Err()
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{Output: combined.String(), ExitCode: inspect.ExitCode}, nil
}

// CopyTo streams a tar archive into the container at destPath.
func (c *Client) CopyTo(ctx context.Context, containerID, destPath string, tarStream []byte) error {
	err := c.docker.CopyToContainer(ctx, containerID, destPath, bytes.NewReader(tarStream), container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// CopyFrom streams a path out of the container as a tar archive. The
// caller owns the reader.
func (c *Client) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	rc, _, err := c.docker.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	return rc, nil
}

// RemoveContainer force-removes a container, tolerating absence.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// CreateVolume provisions the shared workspace volume for a session.
func (c *Client) CreateVolume(ctx context.Context, name, sessionID string) error {
	_, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: map[string]string{
			labelPrefix + "managed":    "true",
			labelPrefix + "session_id": sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("volume create: %w", err)
	}
	return nil
}

// RemoveVolume force-removes a session volume, tolerating absence.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.docker.VolumeRemove(ctx, name, true); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("volume remove: %w", err)
	}
	return nil
}

// IsContainerRunning reports whether a container currently runs. Missing
// containers count as not running.
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// ContainerInfo holds what reconciliation needs to know about a managed
// container.
type ContainerInfo struct {
	ContainerID string
	SessionID   string
	Role        string
}

// ListSandboxContainers returns all containers carrying kapsel labels,
// including stopped ones.
func (c *Client) ListSandboxContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			continue
		}
		result = append(result, ContainerInfo{
			ContainerID: ctr.ID,
			SessionID:   sessionID,
			Role:        ctr.Labels[labelPrefix+"role"],
		})
	}
	return result, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
