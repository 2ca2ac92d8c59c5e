package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
)

// RestoreRequest asks the executor to restore a session workspace inside a
// container. Partial restores are failures; the caller discards the container.
type RestoreRequest struct {
	SessionID   string      `json:"session_id"`
	ContainerID string      `json:"container_id"`
	Plan        RestorePlan `json:"plan"`
}

// LinkRequest asks the executor to link persistent agent data into a
// container. Linking is idempotent.
type LinkRequest struct {
	SessionID   string `json:"session_id"`
	ContainerID string `json:"container_id"`
}

// ValidateRequest asks the executor to check required workspace paths.
type ValidateRequest struct {
	SessionID     string   `json:"session_id"`
	ContainerID   string   `json:"container_id"`
	RequiredPaths []string `json:"required_paths"`
}

// ValidateResult reports workspace validation. MissingRequiredPaths is empty
// iff OK is true.
type ValidateResult struct {
	OK                   bool     `json:"ok"`
	MissingRequiredPaths []string `json:"missing_required_paths,omitempty"`
}

// ExecutorClient is the capability surface over the executor service that
// operates inside worker containers.
type ExecutorClient interface {
	RestoreWorkspace(ctx context.Context, req RestoreRequest) error
	LinkAgentData(ctx context.Context, req LinkRequest) error
	ValidateWorkspace(ctx context.Context, req ValidateRequest) (ValidateResult, error)
}

// NoopExecutorClient answers every call successfully without touching any
// container. Used when no executor service is configured (dev mode).
type NoopExecutorClient struct {
	logger *logger.Logger
}

// NewNoopExecutorClient creates a no-op executor client.
func NewNoopExecutorClient(log *logger.Logger) *NoopExecutorClient {
	return &NoopExecutorClient{
		logger: log.WithFields(zap.String("component", "noop-executor-client")),
	}
}

// RestoreWorkspace is a no-op.
func (c *NoopExecutorClient) RestoreWorkspace(ctx context.Context, req RestoreRequest) error {
	c.logger.Debug("skipping workspace restore",
		zap.String("session_id", req.SessionID),
		zap.String("container_id", req.ContainerID))
	return nil
}

// LinkAgentData is a no-op.
func (c *NoopExecutorClient) LinkAgentData(ctx context.Context, req LinkRequest) error {
	return nil
}

// ValidateWorkspace always reports a valid workspace. An empty required-path
// list is treated as trivially valid rather than a misconfiguration; we log
// a warning instead of guessing intent.
func (c *NoopExecutorClient) ValidateWorkspace(ctx context.Context, req ValidateRequest) (ValidateResult, error) {
	if len(req.RequiredPaths) == 0 {
		c.logger.Warn("validating workspace with no required paths",
			zap.String("session_id", req.SessionID))
	}
	return ValidateResult{OK: true}, nil
}
