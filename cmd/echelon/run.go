package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/config"
	"github.com/kunho817/echelon/internal/orchestrator"
	"github.com/kunho817/echelon/internal/state"
	"github.com/kunho817/echelon/internal/tui"
	"github.com/kunho817/echelon/internal/workspace"
	"github.com/kunho817/echelon/pkg/models"
)

var (
	runAutoApprove   bool
	runHeadless      bool
	runMaxConcurrent int
	runDebugLog      string
)

var runCmd = &cobra.Command{
	Use:   "run <plan.md>",
	Short: "Run a mission from a planning document",
	Long: `Run a mission from a planning document.

The plan's headline becomes the mission objective and seeds the
strategist-level root task. The tree decomposes downward through the
hierarchy; leaf tasks produce file changes in isolated virtual
branches that merge back after conflict resolution and approval.

By default an interactive approval console opens so you can review
each change set before it reaches the workspace. With --auto-approve
every change set merges unreviewed. With --headless no console opens;
unless --auto-approve is also set, approvals fall to the configured
timeout, and the timeout default is rejection.

A running mission can be steered from another terminal:
  echelon pause | resume | cancel`,
	Args: cobra.ExactArgs(1),
	RunE: runMission,
}

func init() {
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Merge every approved-pending change set without review")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the approval console, printing events to stdout")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Override the global in-flight task ceiling")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write the coordinator debug log to this path")
}

func runMission(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("PANIC in runMission: %v", r)
		}
	}()

	planPath := args[0]
	if _, err := os.Stat(planPath); err != nil {
		return fmt.Errorf("plan %s: %w", planPath, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("max-concurrent") {
		cfg.Execution.GlobalMaxConcurrent = runMaxConcurrent
	}
	if runAutoApprove {
		cfg.Approval.AutoApprove = true
	}
	if runDebugLog != "" {
		cfg.DebugLog = runDebugLog
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Anthropic.APIKey == "" && !cfg.Anthropic.UseBedrock {
		return fmt.Errorf("no model credentials: set ANTHROPIC_API_KEY or anthropic.use_bedrock")
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived interrupt, cancelling mission...")
		cancel()
	}()

	client, err := api.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create API client: %w", err)
	}

	db, err := state.OpenProject(projectRoot, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	signals, err := workspace.NewSignals(filepath.Join(projectRoot, cfg.StateDir))
	if err != nil {
		return fmt.Errorf("start signal watcher: %w", err)
	}
	defer signals.Close()

	logger := loggerFor(cfg, projectRoot)
	defer logger.Close()

	coord, err := orchestrator.New(
		orchestrator.RequiredConfig{
			ProjectRoot: projectRoot,
			Config:      cfg,
			Invoker:     client,
		},
		orchestrator.WithStore(db),
		orchestrator.WithSignals(signals),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	fmt.Printf("Starting mission from %s\n", planPath)
	fmt.Printf("  Global concurrency: %d\n", cfg.Execution.GlobalMaxConcurrent)
	fmt.Printf("  Approval: %s\n", approvalMode(cfg))
	fmt.Println()

	if runHeadless || cfg.Approval.AutoApprove {
		unsubscribe := printEvents(coord.Bus())
		defer unsubscribe()

		report, err := coord.Run(ctx, planPath)
		printReport(report)
		return err
	}

	return runWithConsole(ctx, coord, planPath)
}

// runWithConsole runs the mission in the background with the approval
// console on the foreground goroutine, which owns the terminal.
func runWithConsole(ctx context.Context, coord *orchestrator.Coordinator, planPath string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("PANIC in runWithConsole: %v", r)
		}
	}()

	// Stray log output corrupts the alt-screen display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	type outcome struct {
		report *orchestrator.Report
		err    error
	}
	runDone := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				runDone <- outcome{err: fmt.Errorf("PANIC in coordinator: %v", r)}
			}
		}()
		report, err := coord.Run(ctx, planPath)
		runDone <- outcome{report: report, err: err}
	}()

	tuiErr := tui.Attach(ctx, coord)
	log.SetOutput(originalOutput)
	if tuiErr != nil {
		fmt.Fprintf(os.Stderr, "approval console failed: %v\n", tuiErr)
		fmt.Fprintln(os.Stderr, "The run continues; pending approvals fall to the timeout.")
	}

	// A mission-done quit races the coordinator returning its report, so
	// give it a moment before declaring the console detached.
	var o outcome
	select {
	case o = <-runDone:
	case <-time.After(200 * time.Millisecond):
		fmt.Println("Detached from approval console; the run continues.")
		fmt.Println("Approvals without a decision fall to the timeout.")
		o = <-runDone
	}

	printReport(o.report)
	return o.err
}

func loggerFor(cfg *config.Config, projectRoot string) *orchestrator.DebugLogger {
	if cfg.DebugLog != "" {
		logger, err := orchestrator.NewDebugLogger(cfg.DebugLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: debug log unavailable: %v\n", err)
			return orchestrator.NopLogger()
		}
		return logger
	}
	return orchestrator.NewDebugLoggerForProject(projectRoot, cfg.StateDir)
}

func approvalMode(cfg *config.Config) string {
	if cfg.Approval.AutoApprove {
		return "automatic"
	}
	if runHeadless {
		return fmt.Sprintf("timeout after %dm", cfg.Approval.TimeoutMinutes)
	}
	return fmt.Sprintf("interactive console, timeout after %dm", cfg.Approval.TimeoutMinutes)
}

// printEvents subscribes a line-per-event printer for headless runs and
// returns the unsubscribe function.
func printEvents(b *bus.Bus) func() {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	return b.SubscribeAll(func(e bus.Event) {
		ts := e.Timestamp.Format("15:04:05")
		switch e.Type {
		case bus.EventMissionStarted:
			fmt.Printf("%s mission started: %s\n", ts, e.Message)
		case bus.EventDecomposed:
			fmt.Printf("%s task %s %s\n", ts, shortID(e.TaskID), e.Message)
		case bus.EventTaskStarted:
			fmt.Printf("%s task %s started (agent %s)\n", ts, shortID(e.TaskID), shortID(e.AgentID))
		case bus.EventTaskCompleted:
			fmt.Printf("%s task %s completed: %s\n", ts, shortID(e.TaskID), truncate(e.Message, 80))
		case bus.EventTaskFailed:
			fmt.Printf("%s %s task %s failed: %s\n", ts, red.Sprint("✗"), shortID(e.TaskID), truncate(e.Message, 120))
		case bus.EventTaskRejected:
			fmt.Printf("%s %s task %s rejected: %s\n", ts, yellow.Sprint("⚠"), shortID(e.TaskID), truncate(e.Message, 120))
		case bus.EventTaskMerged:
			fmt.Printf("%s %s task %s merged\n", ts, green.Sprint("✓"), shortID(e.TaskID))
		case bus.EventConflictDetected:
			fmt.Printf("%s %s conflict detected: %s\n", ts, yellow.Sprint("⚠"), e.Message)
		case bus.EventConflictResolved:
			fmt.Printf("%s conflict resolved (%s)\n", ts, e.Message)
		case bus.EventApprovalRequested:
			fmt.Printf("%s approval requested for task %s: %s\n", ts, shortID(e.TaskID), e.Message)
		case bus.EventApprovalResolved:
			fmt.Printf("%s approval for task %s: %s\n", ts, shortID(e.TaskID), e.Message)
		case bus.EventMissionCancelled:
			fmt.Printf("%s %s mission cancelled: %s\n", ts, yellow.Sprint("⚠"), e.Message)
		}
	})
}

// printReport renders the run summary.
func printReport(r *orchestrator.Report) {
	if r == nil || r.MissionID == "" {
		return
	}

	fmt.Println()
	switch r.Status {
	case models.MissionStatusCompleted:
		printStatus("✓", fmt.Sprintf("Mission completed in %s", formatDuration(r.WallTime)), color.FgGreen)
	case models.MissionStatusCancelled:
		printStatus("⚠", fmt.Sprintf("Mission cancelled after %s", formatDuration(r.WallTime)), color.FgYellow)
	default:
		printStatus("✗", fmt.Sprintf("Mission failed after %s", formatDuration(r.WallTime)), color.FgRed)
	}

	fmt.Printf("  Objective: %s\n", r.Objective)
	fmt.Printf("  Tasks: %d total", r.Tasks.Total)
	for _, st := range []models.TaskStatus{
		models.TaskStatusMerged,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusRejected,
		models.TaskStatusCancelled,
	} {
		if n := r.Tasks.Counts[st]; n > 0 {
			fmt.Printf(", %d %s", n, st)
		}
	}
	fmt.Println()
	if r.Tasks.Starved > 0 {
		fmt.Printf("  Starved: %d task(s) blocked by failed dependencies\n", r.Tasks.Starved)
	}
	fmt.Printf("  Agents: %d\n", r.Agents)
	fmt.Printf("  Model calls: %d (%s tokens in, %s out)\n",
		r.Calls, humanize.Comma(r.InputTokens), humanize.Comma(r.OutputTokens))
	fmt.Printf("  Estimated cost: $%.4f\n", r.Cost)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
