package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kunho817/echelon/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Execution.GlobalMaxConcurrent != DefaultGlobalMaxConcurrent {
		t.Errorf("expected global_max_concurrent %d, got %d", DefaultGlobalMaxConcurrent, cfg.Execution.GlobalMaxConcurrent)
	}

	if cfg.Approval.TimeoutMinutes != DefaultApprovalTimeoutMin {
		t.Errorf("expected approval timeout %d, got %d", DefaultApprovalTimeoutMin, cfg.Approval.TimeoutMinutes)
	}

	if cfg.Approval.AutoApprove {
		t.Error("auto_approve should default to off")
	}

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("expected state_dir %q, got %q", DefaultStateDir, cfg.StateDir)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefault_CeilingsShrinkGoingUp(t *testing.T) {
	cfg := Default()

	top := cfg.LevelFor(models.LevelStrategist)
	if top.SpawnCeiling != 1 {
		t.Errorf("strategist ceiling = %d, want 1", top.SpawnCeiling)
	}

	prev := top.SpawnCeiling
	for l := models.LevelArchitect; l < models.LevelExecutor; l++ {
		lc := cfg.LevelFor(l)
		if lc.SpawnCeiling < prev {
			t.Errorf("%s ceiling %d is below the level above (%d)", l, lc.SpawnCeiling, prev)
		}
		prev = lc.SpawnCeiling
	}

	leaf := cfg.LevelFor(models.LevelExecutor)
	if leaf.SpawnCeiling != 0 {
		t.Errorf("executor ceiling = %d, want 0 (unbounded)", leaf.SpawnCeiling)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
anthropic:
  api_key: test-key
  model: claude-sonnet-4-5
execution:
  global_max_concurrent: 4
approval:
  timeout_minutes: 5
  auto_approve: true
levels:
  builder:
    spawn_ceiling: 10
    max_concurrent: 3
    model: claude-haiku-4-5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}
	if cfg.Execution.GlobalMaxConcurrent != 4 {
		t.Errorf("expected global_max_concurrent 4, got %d", cfg.Execution.GlobalMaxConcurrent)
	}
	if !cfg.Approval.AutoApprove {
		t.Error("expected auto_approve true")
	}
	if cfg.Approval.TimeoutMinutes != 5 {
		t.Errorf("expected timeout_minutes 5, got %d", cfg.Approval.TimeoutMinutes)
	}

	builder := cfg.LevelFor(models.LevelBuilder)
	if builder.SpawnCeiling != 10 {
		t.Errorf("expected builder spawn_ceiling 10, got %d", builder.SpawnCeiling)
	}
	if builder.Model != "claude-haiku-4-5" {
		t.Errorf("expected builder model override, got %q", builder.Model)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLevelFor_FallsBackToDefaults(t *testing.T) {
	cfg := &Config{Anthropic: AnthropicConfig{Model: "claude-sonnet-4-5"}}

	lc := cfg.LevelFor(models.LevelLead)
	if lc.SpawnCeiling != 4 {
		t.Errorf("expected lead spawn_ceiling 4, got %d", lc.SpawnCeiling)
	}
	if lc.Model != "claude-sonnet-4-5" {
		t.Errorf("expected default model fill-in, got %q", lc.Model)
	}
}

func TestValidate_RejectsBadCeilings(t *testing.T) {
	cfg := Default()
	cfg.Levels[models.LevelStrategist.String()] = LevelConfig{SpawnCeiling: 3, MaxConcurrent: 1}

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for strategist ceiling above 1")
	}

	cfg = Default()
	cfg.Execution.GlobalMaxConcurrent = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero global ceiling")
	}
}

func TestAPIKeyExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	os.Setenv("ECHELON_TEST_KEY", "expanded-key")
	defer os.Unsetenv("ECHELON_TEST_KEY")

	configContent := "anthropic:\n  api_key: ${ECHELON_TEST_KEY}\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "expanded-key" {
		t.Errorf("expected ${VAR} expansion, got %q", cfg.Anthropic.APIKey)
	}
}
