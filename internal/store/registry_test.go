package store

import "testing"

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		t.Fatalf("failed to register defaults: %v", err)
	}

	app, err := r.Get("claude-code")
	if err != nil {
		t.Fatalf("expected claude-code to be registered: %v", err)
	}

	app.Name = "mutated"
	again, err := r.Get("claude-code")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if again.Name == "mutated" {
		t.Error("mutation on returned app leaked into the registry")
	}
}

func TestRegistryRejectsInvalidApps(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&App{ProviderKind: "codex-cli"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := r.Register(&App{ID: "x"}); err == nil {
		t.Error("expected error for missing provider kind")
	}
}

func TestRegistryDisabledAppsNotServed(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		t.Fatalf("failed to register defaults: %v", err)
	}

	// gemini-cli ships disabled.
	if _, err := r.Get("gemini-cli"); err == nil {
		t.Error("expected disabled app to be rejected")
	}
	if _, err := r.Get("unknown"); err == nil {
		t.Error("expected unknown app to be rejected")
	}
}

func TestEnvCredentialsPrefixWins(t *testing.T) {
	t.Setenv("RUNFORGE_TEST_API_KEY", "prefixed")
	t.Setenv("TEST_API_KEY", "bare")

	c := NewEnvCredentials("RUNFORGE_")
	value, err := c.Get("TEST_API_KEY")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if value != "prefixed" {
		t.Errorf("expected prefixed value, got %q", value)
	}
}

func TestEnvCredentialsResolveMissingKey(t *testing.T) {
	c := NewEnvCredentials("")
	app := &App{ID: "x", RequiredEnv: []string{"RUNFORGE_DOES_NOT_EXIST_12345"}}

	if _, err := c.Resolve(app); err == nil {
		t.Error("expected error for missing credential")
	}
}
