// Package config handles configuration loading for echelon.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/kunho817/echelon/pkg/models"
)

// Default ceilings and limits applied when no config file overrides them.
const (
	DefaultGlobalMaxConcurrent = 8
	DefaultApprovalTimeoutMin  = 30
	DefaultMaxTokens           = 8192
	DefaultStateDir            = ".echelon"
	DefaultModel               = "claude-sonnet-4-5-20250929"
	DefaultHighCapabilityModel = "claude-opus-4-5-20251101"
)

// Config holds all configuration for echelon.
type Config struct {
	Anthropic AnthropicConfig        `mapstructure:"anthropic"`
	Execution ExecutionConfig        `mapstructure:"execution"`
	Approval  ApprovalConfig         `mapstructure:"approval"`
	Levels    map[string]LevelConfig `mapstructure:"levels"`
	StateDir  string                 `mapstructure:"state_dir"`
	DebugLog  string                 `mapstructure:"debug_log"`
}

// AnthropicConfig holds model API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	// Model is the default model when a level does not name its own.
	Model string `mapstructure:"model"`
	// MergeModel is used for AI-assisted conflict resolution; it should be
	// the highest-capability model available.
	MergeModel string `mapstructure:"merge_model"`
}

// ExecutionConfig holds coordinator-wide scheduling settings.
type ExecutionConfig struct {
	// GlobalMaxConcurrent caps in-flight tasks across all levels.
	GlobalMaxConcurrent int `mapstructure:"global_max_concurrent"`
	// StaggerMillis spaces out task dispatches within one batch.
	StaggerMillis int `mapstructure:"stagger_millis"`
}

// ApprovalConfig holds approval gate settings.
type ApprovalConfig struct {
	// TimeoutMinutes bounds how long a pending approval may wait.
	// Expiry counts as rejection.
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// AutoApprove skips the gate entirely for non-interactive runs.
	AutoApprove bool `mapstructure:"auto_approve"`
}

// LevelConfig holds per-hierarchy-level settings, keyed in YAML by the
// level's role name (strategist, architect, planner, lead, builder, executor).
type LevelConfig struct {
	// SpawnCeiling is the maximum agent population at this level.
	// Zero means unbounded.
	SpawnCeiling int `mapstructure:"spawn_ceiling"`
	// MaxConcurrent is the maximum in-flight tasks at this level.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// Model overrides the default model for this level.
	Model string `mapstructure:"model"`
	// MaxTokens caps the response size for this level's invocations.
	MaxTokens int `mapstructure:"max_tokens"`
}

// LevelFor returns the effective config for a level, falling back to the
// built-in defaults when the level is absent from the loaded config.
func (c *Config) LevelFor(level models.Level) LevelConfig {
	if lc, ok := c.Levels[level.String()]; ok {
		if lc.Model == "" {
			lc.Model = c.Anthropic.Model
		}
		if lc.MaxTokens == 0 {
			lc.MaxTokens = DefaultMaxTokens
		}
		return lc
	}
	lc := defaultLevelConfigs()[level.String()]
	if lc.Model == "" {
		lc.Model = c.Anthropic.Model
	}
	return lc
}

// Validate checks ceiling sanity: the top level must admit exactly one
// agent and ceilings may only grow going down the hierarchy.
func (c *Config) Validate() error {
	top := c.LevelFor(models.LevelStrategist)
	if top.SpawnCeiling != 1 {
		return fmt.Errorf("strategist spawn_ceiling must be 1, got %d", top.SpawnCeiling)
	}
	prev := top.SpawnCeiling
	for l := models.LevelArchitect; l <= models.LevelExecutor; l++ {
		lc := c.LevelFor(l)
		if lc.SpawnCeiling == 0 {
			// Unbounded; the coordinator's concurrency ceilings still apply.
			continue
		}
		if lc.SpawnCeiling < prev {
			return fmt.Errorf("%s spawn_ceiling %d is below the level above (%d)", l, lc.SpawnCeiling, prev)
		}
		prev = lc.SpawnCeiling
	}
	if c.Execution.GlobalMaxConcurrent < 1 {
		return fmt.Errorf("global_max_concurrent must be positive, got %d", c.Execution.GlobalMaxConcurrent)
	}
	if c.Approval.TimeoutMinutes < 1 {
		return fmt.Errorf("approval timeout_minutes must be positive, got %d", c.Approval.TimeoutMinutes)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment
// variables. Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, ECHELON_*)
// 2. Project config (.echelon.yaml in current directory or parent)
// 3. User config (~/.config/echelon/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ECHELON")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file, skipping the
// XDG/project search. Used by tests and the --config flag.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Default returns a Config with built-in defaults only.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:      DefaultModel,
			MergeModel: DefaultHighCapabilityModel,
		},
		Execution: ExecutionConfig{
			GlobalMaxConcurrent: DefaultGlobalMaxConcurrent,
			StaggerMillis:       50,
		},
		Approval: ApprovalConfig{
			TimeoutMinutes: DefaultApprovalTimeoutMin,
		},
		Levels:   defaultLevelConfigs(),
		StateDir: DefaultStateDir,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.model", DefaultModel)
	v.SetDefault("anthropic.merge_model", DefaultHighCapabilityModel)

	v.SetDefault("execution.global_max_concurrent", DefaultGlobalMaxConcurrent)
	v.SetDefault("execution.stagger_millis", 50)

	v.SetDefault("approval.timeout_minutes", DefaultApprovalTimeoutMin)
	v.SetDefault("approval.auto_approve", false)

	v.SetDefault("state_dir", DefaultStateDir)

	for name, lc := range defaultLevelConfigs() {
		v.SetDefault("levels."+name+".spawn_ceiling", lc.SpawnCeiling)
		v.SetDefault("levels."+name+".max_concurrent", lc.MaxConcurrent)
		v.SetDefault("levels."+name+".model", lc.Model)
		v.SetDefault("levels."+name+".max_tokens", lc.MaxTokens)
	}
}

// defaultLevelConfigs returns the built-in per-level settings. Spawn
// ceilings shrink going up the hierarchy; the executor level is unbounded
// and relies on the coordinator's concurrency ceilings.
func defaultLevelConfigs() map[string]LevelConfig {
	return map[string]LevelConfig{
		models.LevelStrategist.String(): {SpawnCeiling: 1, MaxConcurrent: 1, Model: DefaultHighCapabilityModel, MaxTokens: DefaultMaxTokens},
		models.LevelArchitect.String():  {SpawnCeiling: 2, MaxConcurrent: 2, Model: DefaultHighCapabilityModel, MaxTokens: DefaultMaxTokens},
		models.LevelPlanner.String():    {SpawnCeiling: 3, MaxConcurrent: 2, MaxTokens: DefaultMaxTokens},
		models.LevelLead.String():       {SpawnCeiling: 4, MaxConcurrent: 4, MaxTokens: DefaultMaxTokens},
		models.LevelBuilder.String():    {SpawnCeiling: 6, MaxConcurrent: 6, MaxTokens: DefaultMaxTokens},
		models.LevelExecutor.String():   {SpawnCeiling: 0, MaxConcurrent: 8, MaxTokens: DefaultMaxTokens},
	}
}

// getUserConfigDir returns the XDG config directory for echelon.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "echelon")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "echelon")
	}
	return filepath.Join(home, ".config", "echelon")
}

// findProjectConfig searches for .echelon.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".echelon.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
