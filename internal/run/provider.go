package run

import (
	"context"

	"github.com/runforge/runforge/internal/store"
)

// Handle is one open provider invocation. Chunks yields the provider's
// stream; the channel closes after the terminal chunk. Stop signals
// cancellation, after which the stream ends with run.finished{canceled}
// within a bounded grace period.
type Handle interface {
	Chunks() <-chan Chunk
	Stop()
}

// OpenRequest carries everything a provider needs to start a run inside a
// session worker container.
type OpenRequest struct {
	RunID       string
	SessionID   string
	ContainerID string
	Prompt      string
	App         *store.App
	Env         map[string]string
}

// Provider opens run handles for one provider kind.
type Provider interface {
	Kind() string
	Open(ctx context.Context, req OpenRequest) (Handle, error)
}

// NormalizeKind maps provider kind aliases to their canonical name.
// codex-app-server is the same adapter as codex-cli; the alias is a routing
// concern and must not leak into stored records.
func NormalizeKind(kind string) string {
	if kind == "codex-app-server" {
		return "codex-cli"
	}
	return kind
}
