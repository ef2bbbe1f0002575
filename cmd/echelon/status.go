package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kunho817/echelon/internal/state"
	"github.com/kunho817/echelon/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [missionID]",
	Short: "Show the recorded state of a mission",
	Long: `Display the recorded state of a mission from the project store.

Without arguments, shows the most recent mission. With a mission ID,
shows that mission. Lists the task tree with per-task status, level,
and age.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd, cfg.StateDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No mission recorded. Run 'echelon run <plan.md>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	var mission *models.Mission
	if len(args) > 0 {
		mission, err = db.LoadMission(args[0])
	} else {
		mission, err = db.LatestMission()
	}
	if err != nil {
		return fmt.Errorf("load mission: %w", err)
	}
	if mission == nil {
		fmt.Println("No mission recorded. Run 'echelon run <plan.md>' to start.")
		return nil
	}

	displayMission(mission)

	tasks, err := db.TasksForMission(mission.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	displayTasks(tasks)
	return nil
}

func displayMission(m *models.Mission) {
	fmt.Printf("Mission %s\n", m.ID)
	fmt.Printf("  Objective: %s\n", m.Objective)
	fmt.Printf("  Status: %s\n", coloredMissionStatus(m.Status))
	fmt.Printf("  Started: %s\n", humanize.Time(m.StartedAt))
	if m.CompletedAt != nil {
		fmt.Printf("  Finished: %s (ran %s)\n",
			humanize.Time(*m.CompletedAt), formatDuration(m.CompletedAt.Sub(m.StartedAt)))
	}
}

func displayTasks(tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Println("  Tasks: none")
		return
	}

	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	fmt.Printf("  Tasks: %d total", len(tasks))
	for _, st := range []models.TaskStatus{
		models.TaskStatusMerged,
		models.TaskStatusCompleted,
		models.TaskStatusRunning,
		models.TaskStatusAssigned,
		models.TaskStatusPending,
		models.TaskStatusFailed,
		models.TaskStatusRejected,
		models.TaskStatusCancelled,
	} {
		if n := counts[st]; n > 0 {
			fmt.Printf(", %d %s", n, st)
		}
	}
	fmt.Println()
	fmt.Println()

	for _, t := range tasks {
		age := humanize.Time(t.CreatedAt)
		if t.CompletedAt != nil {
			age = humanize.Time(*t.CompletedAt)
		}
		retries := ""
		if t.RetryCount > 0 {
			retries = fmt.Sprintf(" (retry %d)", t.RetryCount)
		}
		fmt.Printf("  %s  %s %-10s %s%s  %s\n",
			shortID(t.ID), coloredTaskStatus(t.Status), t.Level, t.Title, retries, age)
		if t.Error != "" && (t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusRejected) {
			fmt.Printf("            %s\n", truncate(t.Error, 100))
		}
	}
}

func coloredMissionStatus(s models.MissionStatus) string {
	switch s {
	case models.MissionStatusCompleted:
		return color.GreenString(string(s))
	case models.MissionStatusFailed:
		return color.RedString(string(s))
	case models.MissionStatusCancelled:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func coloredTaskStatus(s models.TaskStatus) string {
	// Pad before coloring so the ANSI codes do not break the column.
	padded := fmt.Sprintf("%-10s", s)
	switch s {
	case models.TaskStatusMerged, models.TaskStatusCompleted:
		return color.GreenString(padded)
	case models.TaskStatusFailed:
		return color.RedString(padded)
	case models.TaskStatusRejected, models.TaskStatusCancelled:
		return color.YellowString(padded)
	case models.TaskStatusRunning, models.TaskStatusAssigned:
		return color.CyanString(padded)
	default:
		return padded
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s > 0 {
			return fmt.Sprintf("%dm%ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}
