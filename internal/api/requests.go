package api

import (
	"time"

	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/worker"
)

// StartRunRequest is the payload for starting a run.
type StartRunRequest struct {
	SessionID string            `json:"session_id" binding:"required"`
	AppID     string            `json:"app_id" binding:"required"`
	Prompt    string            `json:"prompt"`
	RepoURL   string            `json:"repo_url"`
	Revision  string            `json:"revision"`
	Env       map[string]string `json:"env,omitempty"`
}

// RunResponse is the API representation of a run.
type RunResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AppID     string    `json:"app_id"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerResponse is the API representation of a session worker.
type WorkerResponse struct {
	SessionID      string     `json:"session_id"`
	ContainerID    string     `json:"container_id,omitempty"`
	State          string     `json:"state"`
	LastActiveAt   time.Time  `json:"last_active_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WorkersListResponse wraps a worker listing.
type WorkersListResponse struct {
	Workers []*WorkerResponse `json:"workers"`
	Total   int               `json:"total"`
}

// AppResponse is the API representation of a store app.
type AppResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ProviderKind string `json:"provider_kind"`
	Enabled      bool   `json:"enabled"`
}

// AppsListResponse wraps a store app listing.
type AppsListResponse struct {
	Apps  []*AppResponse `json:"apps"`
	Total int            `json:"total"`
}

func runToResponse(r *run.Run) *RunResponse {
	return &RunResponse{
		ID:        r.ID,
		SessionID: r.SessionID,
		AppID:     r.AppID,
		StartedAt: r.StartedAt,
	}
}

func workerToResponse(w *worker.SessionWorker) *WorkerResponse {
	return &WorkerResponse{
		SessionID:      w.SessionID,
		ContainerID:    w.ContainerID,
		State:          string(w.State),
		LastActiveAt:   w.LastActiveAt,
		StoppedAt:      w.StoppedAt,
		LastSyncAt:     w.LastSyncAt,
		LastSyncStatus: string(w.LastSyncStatus),
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

func appToResponse(a *store.App) *AppResponse {
	return &AppResponse{
		ID:           a.ID,
		Name:         a.Name,
		Description:  a.Description,
		ProviderKind: run.NormalizeKind(a.ProviderKind),
		Enabled:      a.Enabled,
	}
}
