package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is available for work.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent is executing a task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusTerminated indicates the agent has been retired.
	AgentStatusTerminated AgentStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// Agent represents a simulated worker bound to one hierarchy level.
// The level is fixed at creation.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Level is the hierarchy level this agent works at.
	Level Level `json:"level"`
	// Role is a human-readable label for the agent's specialty.
	Role string `json:"role"`
	// ParentID is the ID of the agent that spawned this one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs lists agents this one spawned.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// CurrentTaskID is the task the agent is executing, if busy.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// TasksCompleted counts successful task executions.
	TasksCompleted int `json:"tasks_completed"`
	// TasksFailed counts failed task executions.
	TasksFailed int `json:"tasks_failed"`
	// AvgExecMillis is a moving average of task execution time.
	AvgExecMillis float64 `json:"avg_exec_millis"`
	// CreatedAt is when the agent was spawned.
	CreatedAt time.Time `json:"created_at"`
	// TerminatedAt is when the agent was retired, if it has been.
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}
