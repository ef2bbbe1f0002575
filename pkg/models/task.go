package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be scheduled.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates an agent has been bound to the task.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the task is being worked on.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was aborted by a mission cancel.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusRejected indicates the approval gate declined the task's changes.
	TaskStatusRejected TaskStatus = "rejected"
	// TaskStatusMerged indicates a completed leaf task whose branch reached the workspace.
	TaskStatusMerged TaskStatus = "merged"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusRejected, TaskStatusMerged:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition leaves this status.
// Completed is not terminal for leaf tasks, which can still reach merged.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusFailed, TaskStatusCancelled, TaskStatusRejected, TaskStatusMerged:
		return true
	default:
		return false
	}
}

// Succeeded returns true for statuses that count as successful completion.
func (s TaskStatus) Succeeded() bool {
	return s == TaskStatusCompleted || s == TaskStatusMerged
}

// DependencyKind distinguishes edges that gate readiness from edges that
// only carry context.
type DependencyKind string

const (
	// DependencyBlocking gates readiness until the target task completes.
	DependencyBlocking DependencyKind = "blocking"
	// DependencyInformational never blocks; it records a context link.
	DependencyInformational DependencyKind = "informational"
)

// Valid returns true if the kind is a known value.
func (k DependencyKind) Valid() bool {
	return k == DependencyBlocking || k == DependencyInformational
}

// DependencyEdge links a task to another task it depends on.
type DependencyEdge struct {
	// TaskID is the ID of the task this edge points at.
	TaskID string `json:"task_id"`
	// Kind is blocking or informational.
	Kind DependencyKind `json:"kind"`
	// Satisfied is set once the target task completes.
	Satisfied bool `json:"satisfied"`
}

// Task represents one unit of work at one hierarchy level.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// MissionID groups every task spawned from one planning document.
	MissionID string `json:"mission_id"`
	// ParentID is the ID of the task whose decomposition created this one.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs lists the tasks created by this task's decomposition.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type categorizes the work (design, implementation, verification, ...).
	Type string `json:"type,omitempty"`
	// Level is the hierarchy level this task executes at.
	Level Level `json:"level"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders ready tasks; higher runs first.
	Priority int `json:"priority"`
	// Complexity is the decomposer's estimate (low, medium, high).
	Complexity string `json:"complexity,omitempty"`
	// Dependencies lists edges to tasks this one depends on.
	Dependencies []DependencyEdge `json:"dependencies,omitempty"`
	// AssignedAgent is the ID of the agent working on this task.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// Output holds the result content once the task completes.
	Output string `json:"output,omitempty"`
	// Error contains the most recent failure message.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of times this task has failed so far.
	RetryCount int `json:"retry_count,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task last entered running, if ever.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BlockingDeps returns the IDs of all blocking dependencies.
func (t *Task) BlockingDeps() []string {
	var ids []string
	for _, d := range t.Dependencies {
		if d.Kind == DependencyBlocking {
			ids = append(ids, d.TaskID)
		}
	}
	return ids
}
