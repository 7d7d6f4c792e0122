// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"archive/tar"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/lazyaf/lazyaf/pkg/containers/models"
)

// ClientInterface defines what we need from Docker
type ClientInterface interface {
	CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	KillContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*models.Container, error)
	ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error)
	WaitContainer(ctx context.Context, containerID string) (int, error)
	StreamLogs(ctx context.Context, containerID string, lines chan<- string) error
	WriteToContainer(ctx context.Context, containerID string, content string, dstPath string) error

	CreateVolume(ctx context.Context, name string, labels map[string]string) (*models.Volume, error)
	RemoveVolume(ctx context.Context, name string, force bool) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker *client.Client
}

// Compile-time check that Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host.
// If dockerHost is empty, uses environment variables (FromEnv).
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{docker: dockerClient}, nil
}

// IsNotFound reports whether err is a docker "not found" error
// (missing image, container, or volume).
func IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// CreateContainer creates a new container from the given configuration
func (c *Client) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	mounts := make([]mount.Mount, 0, len(config.Mounts))
	for _, m := range config.Mounts {
		typ := mount.TypeBind
		if m.Volume {
			typ = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          envMapToSlice(config.Environment),
		ExposedPorts: nat.PortSet{},
		WorkingDir:   config.WorkingDir,
		Cmd:          config.Command,
		Labels:       config.Labels,
	}

	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(config.NetworkMode),
		Resources: container.Resources{
			Memory:    config.MemoryMB * 1024 * 1024, // Memory is in bytes
			CPUShares: config.CPUShares,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	return &models.Container{
		ID:          resp.ID,
		Name:        config.Name,
		Image:       config.Image,
		Status:      models.StatusCreated,
		Environment: config.Environment,
		Mounts:      config.Mounts,
		CreatedAt:   time.Now(),
		StepID:      config.StepID,
	}, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

// StopContainer stops a running container
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	return c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds})
}

// RemoveContainer removes a container
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
}

// KillContainer sends SIGKILL to a container. A missing container is not an
// error so the call stays idempotent.
func (c *Client) KillContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// InspectContainer gets detailed information about a container
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	resp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	status := models.StatusCreated
	switch {
	case resp.State.Running:
		status = models.StatusRunning
	case resp.State.Dead || resp.State.OOMKilled:
		status = models.StatusDead
	case resp.State.Status == "exited":
		status = models.StatusExited
	}

	var mounts []models.Mount
	for _, m := range resp.Mounts {
		mounts = append(mounts, models.Mount{
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: !m.RW,
			Volume:   m.Type == mount.TypeVolume,
		})
	}

	createdTime, _ := time.Parse(time.RFC3339Nano, resp.Created)

	return &models.Container{
		ID:          resp.ID,
		Name:        resp.Name,
		Image:       resp.Config.Image,
		Status:      status,
		ExitCode:    resp.State.ExitCode,
		Environment: envSliceToMap(resp.Config.Env),
		Mounts:      mounts,
		CreatedAt:   createdTime,
		StepID:      resp.Config.Labels["lazyaf.step_id"],
	}, nil
}

// ListContainersByLabels lists containers filtered by labels
func (c *Client) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by labels: %w", err)
	}

	result := make([]*models.Container, 0, len(containers))
	for _, dockerContainer := range containers {
		inspected, err := c.InspectContainer(ctx, dockerContainer.ID)
		if err != nil {
			// Skip containers we can't inspect
			continue
		}
		result = append(result, inspected)
	}

	return result, nil
}

// WaitContainer blocks until the container stops and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// StreamLogs follows the container's combined stdout+stderr and sends one
// line at a time on the channel. Returns when the stream ends, the context
// is cancelled, or a read fails. The channel is closed before returning.
func (c *Client) StreamLogs(ctx context.Context, containerID string, lines chan<- string) error {
	defer close(lines)

	reader, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to open container logs: %w", err)
	}
	defer reader.Close()

	// Docker multiplexes stdout and stderr; demultiplex into one stream
	// preserving arrival order.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(copyErr)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

// WriteToContainer writes string content directly to a container file
func (c *Client) WriteToContainer(ctx context.Context, containerID string, content string, dstPath string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: filepath.Base(dstPath),
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write content to tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	destDir := filepath.Dir(dstPath)
	if err := c.docker.CopyToContainer(ctx, containerID, destDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy content to container: %w", err)
	}
	return nil
}

// CreateVolume creates a docker named volume.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) (*models.Volume, error) {
	vol, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, vol.CreatedAt)
	return &models.Volume{
		Name:      vol.Name,
		Labels:    vol.Labels,
		CreatedAt: createdAt,
	}, nil
}

// RemoveVolume removes a docker named volume. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := c.docker.VolumeRemove(ctx, name, force)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether a named volume exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.docker.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}
	return true, nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// Helper functions
func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func envSliceToMap(envSlice []string) map[string]string {
	envMap := make(map[string]string)
	for _, env := range envSlice {
		for i, char := range env {
			if char == '=' {
				envMap[env[:i]] = env[i+1:]
				break
			}
		}
	}
	return envMap
}
