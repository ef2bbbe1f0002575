package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kunho817/echelon/internal/workspace"
)

// The pause/resume/cancel commands steer a mission running in another
// process by dropping signal files the coordinator's watcher consumes.

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatching in a running mission",
	Long: `Pause the running mission's dispatcher.

In-flight tasks keep running; no new tasks start until 'echelon resume'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(workspace.SignalPause, "Pause signal sent. In-flight tasks continue; dispatch stops.")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused mission",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(workspace.SignalResume, "Resume signal sent.")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a running mission",
	Long: `Cancel the running mission.

Pending tasks are cancelled and in-flight work is interrupted and
drained before the run settles.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(workspace.SignalCancel, "Cancel signal sent. The run drains in-flight work and settles.")
	},
}

func sendSignal(sig workspace.Signal, confirmation string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateDir := filepath.Join(cwd, cfg.StateDir)
	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		return fmt.Errorf("no %s directory here; is a mission running in this project?", cfg.StateDir)
	}

	if err := workspace.SendSignal(stateDir, sig); err != nil {
		return err
	}
	fmt.Println(confirmation)
	return nil
}
