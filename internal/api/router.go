package api

import (
	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/worker"
)

// SetupRoutes configures the control plane API routes
func SetupRoutes(router *gin.RouterGroup, runs *run.Service, manager *worker.Manager, registry *store.Registry, log *logger.Logger) {
	handler := NewHandler(runs, manager, registry, log)

	// Run routes
	rg := router.Group("/runs")
	{
		rg.POST("", handler.StartRun)
		rg.GET("/:runId", handler.GetRun)
		rg.POST("/:runId/stop", handler.StopRun)
		rg.GET("/:runId/events", handler.StreamRunEvents)
		rg.GET("/:runId/ws", handler.StreamRunWS)
	}

	// Worker routes
	workers := router.Group("/workers")
	{
		workers.GET("", handler.ListWorkers)
		workers.GET("/:sessionId", handler.GetWorker)
		workers.POST("/:sessionId/stop", handler.StopWorker)
		workers.DELETE("/:sessionId", handler.DeleteWorker)
	}

	// Store app routes
	apps := router.Group("/apps")
	{
		apps.GET("", handler.ListApps)
	}
}
