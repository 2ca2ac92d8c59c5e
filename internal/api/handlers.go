// Package api exposes the control plane's HTTP surface: run submission,
// run-stream observation (SSE and WebSocket), and worker administration.
package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/worker"
)

// Handler contains HTTP handlers for the control plane API
type Handler struct {
	runs     *run.Service
	manager  *worker.Manager
	registry *store.Registry
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(runs *run.Service, manager *worker.Manager, registry *store.Registry, log *logger.Logger) *Handler {
	return &Handler{
		runs:     runs,
		manager:  manager,
		registry: registry,
		logger:   log,
	}
}

// StartRun submits a run
// POST /api/v1/runs
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	r, err := h.runs.Start(c.Request.Context(), run.StartRequest{
		SessionID: req.SessionID,
		AppID:     req.AppID,
		Prompt:    req.Prompt,
		RepoURL:   req.RepoURL,
		Revision:  req.Revision,
		Env:       req.Env,
	})
	if err != nil {
		h.logger.Error("failed to start run",
			zap.String("session_id", req.SessionID), zap.Error(err))
		appErr := workerError(req.SessionID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, runToResponse(r))
}

// GetRun returns an active run
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")

	r, err := h.runs.Get(runID)
	if err != nil {
		appErr := errors.NotFound("run", runID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, runToResponse(r))
}

// StopRun cancels an active run
// POST /api/v1/runs/:runId/stop
func (h *Handler) StopRun(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.runs.Stop(runID); err != nil {
		appErr := errors.NotFound("run", runID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusAccepted)
}

// ListApps returns the registered store apps
// GET /api/v1/apps
func (h *Handler) ListApps(c *gin.Context) {
	apps := h.registry.List()

	resp := AppsListResponse{
		Apps:  make([]*AppResponse, len(apps)),
		Total: len(apps),
	}
	for i, a := range apps {
		resp.Apps[i] = appToResponse(a)
	}

	c.JSON(http.StatusOK, resp)
}

// ListWorkers returns all session workers
// GET /api/v1/workers
func (h *Handler) ListWorkers(c *gin.Context) {
	workers, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list workers", zap.Error(err))
		appErr := errors.InternalError("failed to list workers", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := WorkersListResponse{
		Workers: make([]*WorkerResponse, len(workers)),
		Total:   len(workers),
	}
	for i, w := range workers {
		resp.Workers[i] = workerToResponse(w)
	}

	c.JSON(http.StatusOK, resp)
}

// GetWorker returns the worker for a session
// GET /api/v1/workers/:sessionId
func (h *Handler) GetWorker(c *gin.Context) {
	sessionID := c.Param("sessionId")

	w, err := h.manager.Get(c.Request.Context(), sessionID)
	if err != nil {
		appErr := errors.NotFound("session worker", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, workerToResponse(w))
}

// StopWorker stops a session's worker
// POST /api/v1/workers/:sessionId/stop
func (h *Handler) StopWorker(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.manager.Stop(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to stop worker",
			zap.String("session_id", sessionID), zap.Error(err))
		appErr := workerError(sessionID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteWorker terminally removes a session's worker
// DELETE /api/v1/workers/:sessionId
func (h *Handler) DeleteWorker(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.manager.Delete(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to delete worker",
			zap.String("session_id", sessionID), zap.Error(err))
		appErr := workerError(sessionID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// workerError maps lifecycle errors to API errors with stable codes.
// Transient detail collapses to a single retryable code.
func workerError(sessionID string, err error) *errors.AppError {
	var restoreErr *worker.RestoreError
	var invalidErr *worker.WorkspaceInvalidError

	switch {
	case stderrors.Is(err, worker.ErrWorkerNotFound):
		return errors.NotFound("session worker", sessionID)
	case stderrors.Is(err, worker.ErrWorkerDeleted):
		return errors.Gone("session worker", sessionID)
	case stderrors.Is(err, worker.ErrSessionBusy):
		return errors.Conflict("session has a transition in flight")
	case worker.IsTransient(err):
		return errors.Transient(err)
	case stderrors.As(err, &restoreErr), stderrors.As(err, &invalidErr):
		return errors.RestoreFailed(err)
	default:
		return errors.InternalError("operation failed", err)
	}
}
