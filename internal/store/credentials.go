package store

import (
	"fmt"
	"os"
)

// EnvCredentials resolves provider API keys from environment variables,
// optionally trying a prefixed form (e.g. RUNFORGE_ANTHROPIC_API_KEY) before
// the bare one.
type EnvCredentials struct {
	prefix string
}

// NewEnvCredentials creates an environment-backed credential provider.
func NewEnvCredentials(prefix string) *EnvCredentials {
	return &EnvCredentials{prefix: prefix}
}

// Get returns the credential value for key.
func (c *EnvCredentials) Get(key string) (string, error) {
	if c.prefix != "" {
		if value := os.Getenv(c.prefix + key); value != "" {
			return value, nil
		}
	}
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("credential not found: %s", key)
}

// Resolve returns the env map for an app's required keys; missing keys are
// an error so runs fail fast instead of inside the container.
func (c *EnvCredentials) Resolve(app *App) (map[string]string, error) {
	env := make(map[string]string, len(app.RequiredEnv))
	for _, key := range app.RequiredEnv {
		value, err := c.Get(key)
		if err != nil {
			return nil, fmt.Errorf("store app %s: %w", app.ID, err)
		}
		env[key] = value
	}
	return env, nil
}
