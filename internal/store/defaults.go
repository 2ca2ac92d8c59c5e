package store

import "github.com/runforge/runforge/internal/worker"

// DefaultApps returns the store apps registered out of the box.
func DefaultApps() []*App {
	return []*App{
		{
			ID:           "claude-code",
			Name:         "Claude Code",
			Description:  "Anthropic coding agent. Requires ANTHROPIC_API_KEY.",
			ProviderKind: "claude-code",
			Image:        "runforge/claude-code:latest",
			RequiredEnv:  []string{"ANTHROPIC_API_KEY"},
			Enabled:      true,
			PlanTemplate: worker.RestorePlan{
				RequiredPaths: []string{"/workspace"},
			},
		},
		{
			ID:           "codex-cli",
			Name:         "Codex CLI",
			Description:  "OpenAI coding agent. Requires OPENAI_API_KEY.",
			ProviderKind: "codex-cli",
			Image:        "runforge/codex-cli:latest",
			RequiredEnv:  []string{"OPENAI_API_KEY"},
			Enabled:      true,
			PlanTemplate: worker.RestorePlan{
				RequiredPaths: []string{"/workspace"},
			},
		},
		{
			ID:           "gemini-cli",
			Name:         "Gemini CLI",
			Description:  "Google coding agent. Requires GEMINI_API_KEY.",
			ProviderKind: "gemini-cli",
			Image:        "runforge/gemini-cli:latest",
			RequiredEnv:  []string{"GEMINI_API_KEY"},
			Enabled:      false,
			PlanTemplate: worker.RestorePlan{
				RequiredPaths: []string{"/workspace"},
			},
		},
	}
}

// RegisterDefaults loads DefaultApps into the registry.
func RegisterDefaults(r *Registry) error {
	for _, app := range DefaultApps() {
		if err := r.Register(app); err != nil {
			return err
		}
	}
	return nil
}
