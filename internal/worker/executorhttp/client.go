// Package executorhttp is the HTTP adapter for the executor client port.
// The executor service runs alongside worker containers and performs
// workspace operations inside them.
package executorhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/worker"
)

// Client implements worker.ExecutorClient against the executor service's
// JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

var _ worker.ExecutorClient = (*Client)(nil)

// New creates an executor client for the given base URL.
func New(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "executor-client")),
	}
}

// RestoreWorkspace restores a session workspace inside the container.
// Any non-2xx response is a restore failure; the caller discards the
// container.
func (c *Client) RestoreWorkspace(ctx context.Context, req worker.RestoreRequest) error {
	c.logger.Info("restoring workspace",
		zap.String("session_id", req.SessionID),
		zap.String("container_id", req.ContainerID))
	return c.post(ctx, "/v1/workspace/restore", req, nil)
}

// LinkAgentData links persistent agent data into the container. The executor
// side is idempotent.
func (c *Client) LinkAgentData(ctx context.Context, req worker.LinkRequest) error {
	return c.post(ctx, "/v1/workspace/link", req, nil)
}

// ValidateWorkspace checks required paths inside the container.
func (c *Client) ValidateWorkspace(ctx context.Context, req worker.ValidateRequest) (worker.ValidateResult, error) {
	var result worker.ValidateResult
	if len(req.RequiredPaths) == 0 {
		c.logger.Warn("validating workspace with no required paths",
			zap.String("session_id", req.SessionID))
	}
	if err := c.post(ctx, "/v1/workspace/validate", req, &result); err != nil {
		return worker.ValidateResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("executor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
