// Package store holds the registry of store apps that runs can target, and
// the credential provider that resolves their API keys.
package store

import (
	"fmt"
	"sync"

	"github.com/runforge/runforge/internal/worker"
)

// App is a registered store app: the provider adapter a run invokes plus the
// workspace it needs.
type App struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	ProviderKind string   `json:"provider_kind"`
	Image        string   `json:"image"`
	RequiredEnv  []string `json:"required_env,omitempty"`
	Enabled      bool     `json:"enabled"`

	// PlanTemplate seeds the restore plan for sessions running this app;
	// per-run fields (repo, revision, env) are layered on top.
	PlanTemplate worker.RestorePlan `json:"plan_template"`
}

// Registry is an in-memory store app registry.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*App
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		apps: make(map[string]*App),
	}
}

// Register adds or replaces an app keyed by its id.
func (r *Registry) Register(app *App) error {
	if app.ID == "" {
		return fmt.Errorf("app id is required")
	}
	if app.ProviderKind == "" {
		return fmt.Errorf("app %s: provider kind is required", app.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := *app
	r.apps[app.ID] = &c
	return nil
}

// Get returns the app by id, or an error when unknown or disabled.
func (r *Registry) Get(id string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[id]
	if !ok {
		return nil, fmt.Errorf("store app not found: %s", id)
	}
	if !app.Enabled {
		return nil, fmt.Errorf("store app is disabled: %s", id)
	}
	c := *app
	return &c, nil
}

// List returns all registered apps, enabled or not.
func (r *Registry) List() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]*App, 0, len(r.apps))
	for _, app := range r.apps {
		c := *app
		apps = append(apps, &c)
	}
	return apps
}
