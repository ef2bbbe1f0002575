package orchestrator

import (
	"time"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/taskgraph"
	"github.com/kunho817/echelon/pkg/models"
)

// Report summarizes a finished mission for the CLI.
type Report struct {
	MissionID string
	Objective string
	Status    models.MissionStatus
	// WallTime is the elapsed time from first dispatch to settlement.
	WallTime time.Duration
	// Tasks carries per-status task counts for the mission.
	Tasks taskgraph.Progress
	// Agents is the agent population when the mission settled.
	Agents int
	// Token usage accumulated across every model invocation.
	InputTokens  int64
	OutputTokens int64
	Calls        int
	Cost         float64
}

// finalize closes out the mission record, retires the agents, and builds
// the run report.
func (c *Coordinator) finalize(wall time.Duration) *Report {
	c.mu.Lock()
	mission := c.mission
	cancelled := c.cancelled
	c.mu.Unlock()
	if mission == nil {
		return &Report{}
	}

	progress := c.graph.MissionProgress(mission.ID)
	status := models.MissionStatusFailed
	switch {
	case cancelled:
		status = models.MissionStatusCancelled
	case progress.Succeeded:
		status = models.MissionStatusCompleted
	}

	agents := len(c.agents.ActiveAgents())
	c.agents.TerminateAll()

	now := time.Now()
	c.mu.Lock()
	mission.Status = status
	mission.CompletedAt = &now
	snapshot := *mission
	c.mu.Unlock()
	c.persistMission(&snapshot)
	if status != models.MissionStatusCancelled {
		// Cancellation already published its own event.
		c.publish(bus.EventMissionCompleted, "", string(status))
	}
	c.logger.Log("[coordinator] mission %s %s after %s", snapshot.ID, status, wall.Round(time.Millisecond))

	input, output := c.tokens.Total()
	return &Report{
		MissionID:    snapshot.ID,
		Objective:    snapshot.Objective,
		Status:       status,
		WallTime:     wall,
		Tasks:        progress,
		Agents:       agents,
		InputTokens:  input,
		OutputTokens: output,
		Calls:        c.tokens.Calls(),
		Cost:         c.tokens.Cost(),
	}
}
