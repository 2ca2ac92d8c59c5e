package worker

import "context"

// ContainerDriver is the capability surface over the container runtime.
// The lifecycle manager is the only caller; concrete drivers live in
// subpackages (dockerdriver) or test fakes.
//
// Contract notes:
//   - CreateWorker returns a fresh container in the stopped state; calls are
//     not idempotent, each yields a new id.
//   - Start on an already-running container and Stop on an already-stopped
//     container are no-ops, which the manager relies on for retries.
//   - Remove is silent on unknown ids.
//   - Retryable failures are reported as *TransientError; unknown ids as
//     ErrContainerNotFound.
type ContainerDriver interface {
	CreateWorker(ctx context.Context) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Exists(ctx context.Context, containerID string) (bool, error)
}
