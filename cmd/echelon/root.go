package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kunho817/echelon/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "echelon",
	Short: "Hierarchical task orchestration engine",
	Long: `Echelon runs a mission from a planning document by decomposing it
through a six-level agent hierarchy: strategist, architect, planner,
lead, builder, executor. Leaf work lands in isolated virtual branches,
merges back three-way, and crosses an approval gate before touching
the workspace.

Core capabilities:
- Decomposes a plan into a dependency-ordered task tree
- Runs agents concurrently under per-level and global ceilings
- Isolates each leaf task's edits in a virtual branch
- Resolves overlapping edits via auto, AI-assisted, or manual merge
- Gates every merge behind operator approval (or --auto-approve)`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (skips the XDG/project search)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration for a command invocation, honoring
// the --config override.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}
