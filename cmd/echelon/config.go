package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kunho817/echelon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after merging built-in
defaults, the user config, the project config, and environment
variables. The API key is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Fprintf(os.Stderr, "\n# project config: %s\n", p)
		}
		return nil
	},
}

type levelDump struct {
	SpawnCeiling  int    `yaml:"spawn_ceiling"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Model         string `yaml:"model,omitempty"`
	MaxTokens     int    `yaml:"max_tokens,omitempty"`
}

// configDump mirrors config.Config with yaml tags so the printed keys
// match what .echelon.yaml accepts.
type configDump struct {
	Anthropic struct {
		APIKey     string `yaml:"api_key"`
		UseBedrock bool   `yaml:"use_bedrock"`
		AWSRegion  string `yaml:"aws_region,omitempty"`
		AWSProfile string `yaml:"aws_profile,omitempty"`
		Model      string `yaml:"model"`
		MergeModel string `yaml:"merge_model"`
	} `yaml:"anthropic"`
	Execution struct {
		GlobalMaxConcurrent int `yaml:"global_max_concurrent"`
		StaggerMillis       int `yaml:"stagger_millis"`
	} `yaml:"execution"`
	Approval struct {
		TimeoutMinutes int  `yaml:"timeout_minutes"`
		AutoApprove    bool `yaml:"auto_approve"`
	} `yaml:"approval"`
	Levels   map[string]levelDump `yaml:"levels"`
	StateDir string               `yaml:"state_dir"`
	DebugLog string               `yaml:"debug_log,omitempty"`
}

func renderConfig(cfg *config.Config) (string, error) {
	var d configDump
	d.Anthropic.APIKey = maskKey(cfg.Anthropic.APIKey)
	d.Anthropic.UseBedrock = cfg.Anthropic.UseBedrock
	d.Anthropic.AWSRegion = cfg.Anthropic.AWSRegion
	d.Anthropic.AWSProfile = cfg.Anthropic.AWSProfile
	d.Anthropic.Model = cfg.Anthropic.Model
	d.Anthropic.MergeModel = cfg.Anthropic.MergeModel
	d.Execution.GlobalMaxConcurrent = cfg.Execution.GlobalMaxConcurrent
	d.Execution.StaggerMillis = cfg.Execution.StaggerMillis
	d.Approval.TimeoutMinutes = cfg.Approval.TimeoutMinutes
	d.Approval.AutoApprove = cfg.Approval.AutoApprove
	d.StateDir = cfg.StateDir
	d.DebugLog = cfg.DebugLog

	d.Levels = make(map[string]levelDump, len(cfg.Levels))
	for name, lc := range cfg.Levels {
		d.Levels[name] = levelDump{
			SpawnCeiling:  lc.SpawnCeiling,
			MaxConcurrent: lc.MaxConcurrent,
			Model:         lc.Model,
			MaxTokens:     lc.MaxTokens,
		}
	}

	out, err := yaml.Marshal(&d)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	return "****"
}
