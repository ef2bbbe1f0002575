package models

import "time"

// MissionStatus represents the current state of a mission.
type MissionStatus string

const (
	// MissionStatusRunning indicates the coordinator loop is active.
	MissionStatusRunning MissionStatus = "running"
	// MissionStatusCompleted indicates every task reached a terminal state
	// and at least the root succeeded.
	MissionStatusCompleted MissionStatus = "completed"
	// MissionStatusFailed indicates the run ended with failed or starved tasks.
	MissionStatusFailed MissionStatus = "failed"
	// MissionStatusCancelled indicates the run was aborted.
	MissionStatusCancelled MissionStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionStatusRunning, MissionStatusCompleted, MissionStatusFailed, MissionStatusCancelled:
		return true
	default:
		return false
	}
}

// Mission groups the task tree spawned from one planning document.
type Mission struct {
	// ID is the unique identifier for this mission.
	ID string `json:"id"`
	// Objective is the planning document's headline goal.
	Objective string `json:"objective"`
	// PlanPath is the planning document the run started from.
	PlanPath string `json:"plan_path,omitempty"`
	// RootTaskID is the strategist-level task at the top of the tree.
	RootTaskID string `json:"root_task_id,omitempty"`
	// Status is the current state of the mission.
	Status MissionStatus `json:"status"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run ended, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
