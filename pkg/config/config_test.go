package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func chdirTemp(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})
	return tmpDir
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	tmpDir := chdirTemp(t)

	yamlContent := `
port: "8080"
env: "test"
engine:
  provider: "openai"
  model: "gpt-4o"
session:
  state_dir: "./state"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	// Clear env vars that might interfere with test
	os.Unsetenv("BASE_URL")
	os.Unsetenv("ENGINE_MODEL")

	// Set env vars to override YAML values
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected Port=9090 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}

	// Verify BaseURL was auto-derived from PORT
	if cfg.BaseURL != "http://localhost:9090" {
		t.Errorf("expected BaseURL=http://localhost:9090 (auto-derived from PORT), got %s", cfg.BaseURL)
	}

	// Verify YAML value used for engine model (proves YAML was read)
	if cfg.Engine.Model != "gpt-4o" {
		t.Errorf("expected Engine.Model=gpt-4o (from yaml), got %s", cfg.Engine.Model)
	}
}

func TestLoad_NoConfigFileUsesEnv(t *testing.T) {
	chdirTemp(t)

	os.Unsetenv("BASE_URL")
	t.Setenv("PORT", "8123")
	t.Setenv("ENGINE_PROVIDER", "anthropic")
	t.Setenv("ENGINE_MODEL", "claude-sonnet-4-20250514")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Engine.Provider != "anthropic" {
		t.Errorf("expected Engine.Provider=anthropic (from env), got %s", cfg.Engine.Provider)
	}
	if cfg.BaseURL != "http://localhost:8123" {
		t.Errorf("expected BaseURL=http://localhost:8123 (auto-derived), got %s", cfg.BaseURL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	os.Unsetenv("PORT")
	os.Unsetenv("BASE_URL")
	os.Unsetenv("ENGINE_PROVIDER")
	os.Unsetenv("ENGINE_MODEL")
	os.Unsetenv("SESSION_COOKIE_NAME")
	os.Unsetenv("ENGINE_MAX_TOOL_ITERATIONS")
	os.Unsetenv("REQUEST_TIMEOUT_SECONDS")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected Port=8080 (default), got %s", cfg.Port)
	}
	if cfg.Engine.Provider != "openai" {
		t.Errorf("expected Engine.Provider=openai (default), got %s", cfg.Engine.Provider)
	}
	if cfg.Engine.MaxToolIterations != 10 {
		t.Errorf("expected MaxToolIterations=10 (default), got %d", cfg.Engine.MaxToolIterations)
	}
	if cfg.Session.CookieName != "mirage_session" {
		t.Errorf("expected CookieName=mirage_session (default), got %s", cfg.Session.CookieName)
	}
	if cfg.Session.MaxTurns != 40 {
		t.Errorf("expected MaxTurns=40 (default), got %d", cfg.Session.MaxTurns)
	}
	if !cfg.Session.SaveConversations {
		t.Error("expected SaveConversations=true (default)")
	}
	if !cfg.Tools.LocalEnabled {
		t.Error("expected Tools.LocalEnabled=true (default)")
	}
	if cfg.OneShot {
		t.Error("expected OneShot=false (default)")
	}

	timeout, ok := cfg.RequestTimeout()
	if !ok || timeout != 300 {
		t.Errorf("expected request timeout 300 enabled, got %d enabled=%v", timeout, ok)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ENGINE_PROVIDER", "bedrock")

	_, err := Load("dev")
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "provider") {
		t.Errorf("expected error to mention provider, got: %v", err)
	}
}

func TestLoad_ZeroToolIterationsRejected(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ENGINE_MAX_TOOL_ITERATIONS", "0")

	_, err := Load("dev")
	if err == nil {
		t.Fatal("expected error for zero tool iterations, got nil")
	}
}

func TestLoad_ExplicitBaseURL(t *testing.T) {
	chdirTemp(t)

	t.Setenv("BASE_URL", "http://gateway.internal:9999")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BaseURL != "http://gateway.internal:9999" {
		t.Errorf("expected explicit BaseURL, got %s", cfg.BaseURL)
	}
}

func TestAddr(t *testing.T) {
	cfg := &Config{BindAddr: "0.0.0.0", Port: "8080"}
	if addr := cfg.Addr(); addr != "0.0.0.0:8080" {
		t.Errorf("expected 0.0.0.0:8080, got %s", addr)
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	cfg := &Config{RequestTimeoutSeconds: 0}
	if _, ok := cfg.RequestTimeout(); ok {
		t.Error("expected request timeout disabled when zero")
	}
}
