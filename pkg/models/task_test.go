package models

import "testing"

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"assigned is valid", TaskStatusAssigned, true},
		{"running is valid", TaskStatusRunning, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"failed is valid", TaskStatusFailed, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"rejected is valid", TaskStatusRejected, true},
		{"merged is valid", TaskStatusMerged, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("paused"), false},
		{"uppercase is invalid", TaskStatus("PENDING"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusFailed, TaskStatusCancelled, TaskStatusRejected, TaskStatusMerged}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("TaskStatus(%q) should be terminal", s)
		}
	}

	// Completed is not terminal because a leaf task can still reach merged.
	open := []TaskStatus{TaskStatusPending, TaskStatusAssigned, TaskStatusRunning, TaskStatusCompleted}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("TaskStatus(%q) should not be terminal", s)
		}
	}
}

func TestTaskStatus_Succeeded(t *testing.T) {
	if !TaskStatusCompleted.Succeeded() {
		t.Error("completed should count as success")
	}
	if !TaskStatusMerged.Succeeded() {
		t.Error("merged should count as success")
	}
	if TaskStatusFailed.Succeeded() {
		t.Error("failed should not count as success")
	}
	if TaskStatusRejected.Succeeded() {
		t.Error("rejected should not count as success")
	}
}

func TestDependencyKind_Valid(t *testing.T) {
	if !DependencyBlocking.Valid() {
		t.Error("blocking should be valid")
	}
	if !DependencyInformational.Valid() {
		t.Error("informational should be valid")
	}
	if DependencyKind("soft").Valid() {
		t.Error("unknown kind should be invalid")
	}
}

func TestTask_BlockingDeps(t *testing.T) {
	task := Task{
		ID: "t1",
		Dependencies: []DependencyEdge{
			{TaskID: "a", Kind: DependencyBlocking},
			{TaskID: "b", Kind: DependencyInformational},
			{TaskID: "c", Kind: DependencyBlocking},
		},
	}

	got := task.BlockingDeps()
	if len(got) != 2 {
		t.Fatalf("BlockingDeps returned %d ids, want 2", len(got))
	}
	if got[0] != "a" || got[1] != "c" {
		t.Errorf("BlockingDeps = %v, want [a c]", got)
	}
}

func TestTask_BlockingDepsEmpty(t *testing.T) {
	task := Task{ID: "t1"}
	if deps := task.BlockingDeps(); len(deps) != 0 {
		t.Errorf("task without dependencies returned %v", deps)
	}
}
