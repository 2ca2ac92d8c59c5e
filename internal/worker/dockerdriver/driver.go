// Package dockerdriver adapts the Docker SDK to the container driver port
// consumed by the worker lifecycle manager.
package dockerdriver

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/worker"
)

const (
	managedLabel = "runforge.managed"
	stopTimeout  = 10 // seconds
)

// Driver implements worker.ContainerDriver on top of the Docker SDK.
// Docker API failures other than "no such container" are reported as
// transient so the manager retries them.
type Driver struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

var _ worker.ContainerDriver = (*Driver)(nil)

// New creates a Docker-backed container driver.
func New(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("worker_image", cfg.WorkerImage),
	)

	return &Driver{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-driver")),
	}, nil
}

// Ping checks that the Docker daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// CreateWorker creates a fresh worker container in the stopped state and
// returns its id. Each call yields a new container.
func (d *Driver) CreateWorker(ctx context.Context) (string, error) {
	name := fmt.Sprintf("runforge-worker-%s", uuid.New().String()[:8])

	containerCfg := &container.Config{
		Image: d.cfg.WorkerImage,
		Labels: map[string]string{
			managedLabel: "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.Network),
		Resources: container.Resources{
			Memory:   d.cfg.MemoryMB * 1024 * 1024,
			CPUQuota: int64(d.cfg.CPUCores * 100000),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", &worker.TransientError{Op: "create", Err: err}
	}

	d.logger.Info("worker container created",
		zap.String("container_id", resp.ID),
		zap.String("name", name))
	return resp.ID, nil
}

// Start starts the container. Starting an already-running container is a
// no-op on the Docker side.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return d.mapError("start", containerID, err)
	}
	return nil
}

// Stop stops the container with a grace period. Stopping an already-stopped
// container is a no-op on the Docker side.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeout,
	})
	if err != nil {
		return d.mapError("stop", containerID, err)
	}
	return nil
}

// Remove force-removes the container and its volumes. Unknown ids are
// silently ignored.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return &worker.TransientError{Op: "remove", Err: err}
	}
	return nil
}

// Exists reports whether the container is known to the daemon.
func (d *Driver) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, &worker.TransientError{Op: "inspect", Err: err}
	}
	return true, nil
}

func (d *Driver) mapError(op, containerID string, err error) error {
	if client.IsErrNotFound(err) {
		return worker.ErrContainerNotFound
	}
	d.logger.Warn("docker operation failed",
		zap.String("op", op),
		zap.String("container_id", containerID),
		zap.Error(err))
	return &worker.TransientError{Op: op, Err: err}
}
